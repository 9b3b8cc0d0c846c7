package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Phase names a periodic cycle.
type Phase string

const (
	PhaseScan    Phase = "scan"
	PhaseMonitor Phase = "monitor"
)

// Result classifies how a cycle ended.
type Result string

const (
	ResultOK       Result = "ok"
	ResultDegraded Result = "degraded" // venue trouble; try again next tick
	ResultHalted   Result = "halted"   // state could not be persisted
)

// State is the lifecycle state of the scheduler.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateMonitoring
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	case StateMonitoring:
		return "MONITORING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CycleFunc runs one cycle. The context it receives is never cancelled by a
// stop request, so a cycle always runs to completion.
type CycleFunc func(ctx context.Context) (Result, error)

// Observer is told about cycle outcomes and skipped ticks.
type Observer interface {
	CycleCompleted(phase Phase, result Result, took time.Duration)
	TickSkipped(phase Phase)
}

// Config is the schedule.
type Config struct {
	ScanInterval    time.Duration
	MonitorInterval time.Duration
	RunOnStart      bool // one scan then one monitor right after Start
}

var ErrAlreadyStarted = errors.New("scheduler already started")

// Scheduler drives the scan and monitor cycles from a single goroutine, so
// no two cycles ever overlap. A tick whose nominal time is earlier than the
// end of the previous cycle of its phase is skipped, never queued.
type Scheduler struct {
	cfg      Config
	scan     CycleFunc
	monitor  CycleFunc
	clock    clockwork.Clock
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	state   State
	started bool
	lastEnd map[Phase]time.Time
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a scheduler. observer may be nil.
func New(cfg Config, scan, monitor CycleFunc, clk clockwork.Clock, logger *zap.Logger, observer Observer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		scan:     scan,
		monitor:  monitor,
		clock:    clk,
		logger:   logger,
		observer: observer,
		state:    StateIdle,
		lastEnd:  make(map[Phase]time.Time),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the loop. Cancelling ctx requests a stop, which takes effect
// once the in-flight cycle (if any) has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	scanTicker := s.clock.NewTicker(s.cfg.ScanInterval)
	monitorTicker := s.clock.NewTicker(s.cfg.MonitorInterval)

	go func() {
		defer close(s.stopped)
		defer scanTicker.Stop()
		defer monitorTicker.Stop()
		s.loop(ctx, scanTicker, monitorTicker)
		s.setState(StateStopped)
		s.logger.Info("scheduler stopped")
	}()

	s.logger.Info("scheduler started",
		zap.Duration("scan_interval", s.cfg.ScanInterval),
		zap.Duration("monitor_interval", s.cfg.MonitorInterval),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, scanTicker, monitorTicker clockwork.Ticker) {
	cycleCtx := context.WithoutCancel(ctx)

	if s.cfg.RunOnStart {
		s.run(cycleCtx, PhaseScan, s.clock.Now())
		if s.stopRequested(ctx) {
			return
		}
		s.run(cycleCtx, PhaseMonitor, s.clock.Now())
	}

	for {
		if s.stopRequested(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case nominal := <-scanTicker.Chan():
			if s.stopRequested(ctx) {
				return
			}
			s.tick(cycleCtx, PhaseScan, nominal)
		case nominal := <-monitorTicker.Chan():
			if s.stopRequested(ctx) {
				return
			}
			s.tick(cycleCtx, PhaseMonitor, nominal)
		}
	}
}

func (s *Scheduler) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		s.setState(StateStopping)
		return true
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) tick(ctx context.Context, phase Phase, nominal time.Time) {
	s.mu.Lock()
	lastEnd := s.lastEnd[phase]
	s.mu.Unlock()

	if nominal.Before(lastEnd) {
		s.logger.Warn("tick skipped, previous cycle overran it",
			zap.String("phase", string(phase)),
			zap.Time("nominal", nominal),
			zap.Time("previous_end", lastEnd),
		)
		if s.observer != nil {
			s.observer.TickSkipped(phase)
		}
		return
	}
	s.run(ctx, phase, nominal)
}

func (s *Scheduler) run(ctx context.Context, phase Phase, nominal time.Time) {
	if phase == PhaseScan {
		s.setState(StateScanning)
	} else {
		s.setState(StateMonitoring)
	}

	started := s.clock.Now()
	result, err := s.invoke(ctx, phase)
	ended := s.clock.Now()
	took := ended.Sub(started)

	s.mu.Lock()
	s.lastEnd[phase] = ended
	if s.state == StateScanning || s.state == StateMonitoring {
		s.state = StateIdle
	}
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("phase", string(phase)),
		zap.String("result", string(result)),
		zap.Time("nominal", nominal),
		zap.Duration("took", took),
	}
	switch {
	case result == ResultHalted:
		s.logger.Error("cycle halted, trading suspended until state is persisted", append(fields, zap.Error(err))...)
	case err != nil || result == ResultDegraded:
		s.logger.Warn("cycle degraded", append(fields, zap.Error(err))...)
	default:
		s.logger.Debug("cycle completed", fields...)
	}
	if s.observer != nil {
		s.observer.CycleCompleted(phase, result, took)
	}
}

// invoke runs the cycle and turns a panic into a degraded result so one bad
// cycle cannot kill the loop.
func (s *Scheduler) invoke(ctx context.Context, phase Phase) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = ResultDegraded, fmt.Errorf("%s cycle panicked: %v", phase, r)
		}
	}()
	fn := s.scan
	if phase == PhaseMonitor {
		fn = s.monitor
	}
	result, err = fn(ctx)
	if result == "" {
		result = ResultOK
		if err != nil {
			result = ResultDegraded
		}
	}
	return result, err
}

// Stop requests shutdown and blocks until the in-flight cycle has finished
// and the loop has exited. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.setState(StateStopping)
		close(s.stopCh)
	})
	s.mu.Lock()
	if !s.started {
		// never started: nothing to wait for, and Start must now refuse
		s.started = true
		s.state = StateStopped
		close(s.stopped)
	}
	s.mu.Unlock()
	<-s.stopped
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves to next unless a stop is already under way; STOPPING can
// only be followed by STOPPED.
func (s *Scheduler) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	if s.state == StateStopping && next != StateStopped {
		return
	}
	s.state = next
}
