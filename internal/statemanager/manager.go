package statemanager

import (
	"equity-signal-bot-go/internal/ledger"
	"equity-signal-bot-go/internal/models"
	"equity-signal-bot-go/internal/persistence"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrHalted is returned by Commit while the last mutation has not been
// persisted. Trading stays suspended until Recover succeeds.
var ErrHalted = errors.New("state manager halted: last mutation not persisted")

// StateManager owns the BotState. Every mutation goes through Commit, which
// applies it through the ledger and persists the result before returning,
// so a caller never acts on a mutation that is not durable.
type StateManager struct {
	mu     sync.Mutex
	state  *models.BotState
	repo   persistence.StateRepository
	limits ledger.Limits
	logger *zap.Logger
	now    func() time.Time

	halted   bool
	faulted  bool // halted by Halt; only a restart clears it
	haltErr  error
	commits  uint64
	failures uint64
}

// NewStateManager wraps initialState, which the manager takes ownership of.
func NewStateManager(initialState *models.BotState, repo persistence.StateRepository, limits ledger.Limits, logger *zap.Logger) *StateManager {
	initialState.Normalize()
	return &StateManager{
		state:  initialState,
		repo:   repo,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// LoadOrInit restores the last persisted state from repo, or creates a fresh
// one when repo holds none. Watchlists from the config replace persisted ones.
func LoadOrInit(repo persistence.StateRepository, cfg *models.Config, newBotID func() string, logger *zap.Logger) (*models.BotState, bool, error) {
	state, err := repo.LoadState()
	if err != nil {
		return nil, false, fmt.Errorf("restore state: %w", err)
	}
	if state == nil {
		logger.Info("no persisted state found, starting fresh", zap.Float64("capital", cfg.InitialCapital))
		return models.NewBotState(newBotID(), cfg.InitialCapital, cfg.Watchlists), false, nil
	}

	state.Watchlists = models.NewBotState("", 0, cfg.Watchlists).Watchlists
	if state.Version == 0 {
		state.Version = models.StateVersion
	}
	logger.Info("state restored",
		zap.String("bot_id", state.BotID),
		zap.Int("open_positions", len(state.OpenPositions)),
		zap.Int("closed_trades", len(state.TradeHistory)),
		zap.Float64("capital", state.CapitalAvailable),
	)
	return state, true, nil
}

// Commit applies fn to the live state and persists the result.
//
// If fn fails, the state is left exactly as it was. If persisting fails, the
// mutation stays applied in memory (it mirrors something that already
// happened at the venue), the manager halts and ErrHalted is returned; no
// further Commit is accepted until Recover persists the pending state.
func (sm *StateManager) Commit(fn func(l *ledger.Ledger) error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.halted {
		return fmt.Errorf("%w: %v", ErrHalted, sm.haltErr)
	}

	working := sm.state.DeepCopy()
	if err := fn(ledger.New(working, sm.limits)); err != nil {
		return err
	}
	working.LastUpdateTime = sm.now()
	sm.state = working

	if err := sm.repo.SaveState(working); err != nil {
		sm.halted = true
		sm.haltErr = err
		sm.failures++
		sm.logger.Error("CRITICAL: failed to persist state, halting trading", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	sm.commits++
	return nil
}

// Recover tries to persist the pending state of a halted manager. It is a
// no-op when the manager is not halted.
func (sm *StateManager) Recover() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.halted {
		return nil
	}
	if sm.faulted {
		return fmt.Errorf("%w: %w", ErrHalted, sm.haltErr)
	}
	if err := sm.repo.SaveState(sm.state); err != nil {
		sm.haltErr = err
		sm.failures++
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	sm.halted = false
	sm.haltErr = nil
	sm.commits++
	sm.logger.Info("pending state persisted, trading resumed")
	return nil
}

// Halt suspends trading after a venue fill the ledger refused to record.
// Unlike a failed save, nothing can be retried, so Recover keeps failing until
// the process is restarted and the state reconciled.
func (sm *StateManager) Halt(cause error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.faulted {
		return
	}
	sm.halted = true
	sm.faulted = true
	sm.haltErr = cause
	sm.logger.Error("CRITICAL: fill not recorded, halting trading", zap.Error(cause))
}

// Halted reports whether the manager refuses mutations.
func (sm *StateManager) Halted() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.halted
}

// View runs fn against a ledger over a private copy of the state. Changes
// made by fn are discarded.
func (sm *StateManager) View(fn func(l *ledger.Ledger)) {
	fn(ledger.New(sm.GetStateSnapshot(), sm.limits))
}

// GetStateSnapshot returns a deep copy of the current state for safe reading.
func (sm *StateManager) GetStateSnapshot() *models.BotState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.DeepCopy()
}

// Stats returns the number of successful and failed saves.
func (sm *StateManager) Stats() (commits, failures uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.commits, sm.failures
}
