package bot

import (
	"context"
	"equity-signal-bot-go/internal/allocator"
	"equity-signal-bot-go/internal/exchange"
	"equity-signal-bot-go/internal/exitpolicy"
	"equity-signal-bot-go/internal/indicators"
	"equity-signal-bot-go/internal/ledger"
	"equity-signal-bot-go/internal/models"
	"equity-signal-bot-go/internal/scheduler"
	"equity-signal-bot-go/internal/signals"
	"equity-signal-bot-go/internal/statemanager"
	"equity-signal-bot-go/internal/storage"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Journal keeps the audit trail of fills and closed trades.
type Journal interface {
	RecordFill(f storage.FillRecord) error
	RecordTrade(t models.TradeHistoryRecord) error
	NextCycleID() (int64, error)
}

// Recorder receives trading counters.
type Recorder interface {
	SignalGenerated(side string)
	EntryDecided(outcome string)
	PositionClosed(reason string)
	SetPortfolio(openPositions int, capital float64)
	SetEquity(equity, drawdown float64)
}

// Options are the optional collaborators of an Engine.
type Options struct {
	Journal  Journal
	Recorder Recorder
	Clock    clockwork.Clock
}

// Engine holds the bodies of the scan and monitor cycles. The scheduler
// guarantees that at most one cycle runs at a time.
type Engine struct {
	cfg        *models.Config
	state      *statemanager.StateManager
	venue      exchange.Exchange
	indicators *indicators.Engine
	thresholds signals.Thresholds
	rules      exitpolicy.Rules
	allocator  *allocator.Allocator
	journal    Journal
	recorder   Recorder
	clock      clockwork.Clock
	logger     *zap.Logger

	cycleSeq atomic.Int64 // used when there is no journal
}

// New wires an engine around the state manager and the venue.
func New(cfg *models.Config, state *statemanager.StateManager, venue exchange.Exchange, logger *zap.Logger, opts Options) *Engine {
	e := &Engine{
		cfg:        cfg,
		state:      state,
		venue:      venue,
		indicators: indicators.NewEngine(indicators.ParamsFromConfig(cfg)),
		thresholds: signals.ThresholdsFromConfig(cfg),
		rules:      exitpolicy.RulesFromConfig(cfg),
		allocator:  allocator.New(state, venue, cfg.MaxEntriesPerScan, logger.Named("allocator")),
		journal:    opts.Journal,
		recorder:   opts.Recorder,
		clock:      opts.Clock,
		logger:     logger,
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	return e
}

// ScanCycle evaluates every watchlist symbol, turns the BUY signals into
// entries and stamps the scan time.
func (e *Engine) ScanCycle(ctx context.Context) (scheduler.Result, error) {
	if err := e.state.Recover(); err != nil {
		return scheduler.ResultHalted, err
	}
	cycleID := e.nextCycleID()
	log := e.logger.With(zap.String("phase", "scan"), zap.Int64("cycle", cycleID))

	symbols := models.UniqueSymbols(e.state.GetStateSnapshot().Watchlists)
	degraded := false
	var candidates []models.Signal
	for _, symbol := range symbols {
		snap, err := e.snapshot(ctx, symbol)
		if err != nil {
			degraded = e.noteDataError(log, symbol, err) || degraded
			continue
		}
		sig, ok := signals.Generate(snap, e.thresholds)
		if !ok {
			continue
		}
		e.recorder.SignalGenerated(string(sig.Side))
		log.Info("signal",
			zap.String("symbol", sig.Symbol),
			zap.String("side", string(sig.Side)),
			zap.String("rule", sig.TriggeringRule),
			zap.Float64("confidence", sig.Confidence),
			zap.Float64("rsi", snap.RSI),
			zap.Float64("price", sig.Price),
		)
		candidates = append(candidates, sig)
	}

	buys := signals.RankBuys(candidates, e.cfg.MinConfidence)
	res, allocErr := e.allocator.Allocate(ctx, buys)
	for _, d := range res.Decisions {
		outcome := d.Reason
		if d.Accepted {
			outcome = "filled"
		}
		e.recorder.EntryDecided(outcome)
		if d.Fill == nil {
			continue
		}
		e.journalFill(log, storage.FillRecord{
			ClientOrderID: d.ClientOrderID,
			OrderID:       d.Fill.OrderID,
			Symbol:        d.Symbol,
			Side:          models.Buy,
			Quantity:      d.Fill.Quantity,
			Price:         d.Fill.Price,
			Reason:        d.Rule,
			CycleID:       cycleID,
			FilledAt:      d.Fill.Timestamp,
		})
	}
	if allocErr != nil {
		if !errors.Is(allocErr, statemanager.ErrHalted) {
			e.state.Halt(allocErr)
		}
		e.publishPortfolio()
		return scheduler.ResultHalted, fmt.Errorf("scan cycle %d: %w", cycleID, allocErr)
	}

	if err := e.state.Commit(func(l *ledger.Ledger) error {
		l.MarkScan(e.clock.Now())
		return nil
	}); err != nil {
		return scheduler.ResultHalted, fmt.Errorf("scan cycle %d: %w", cycleID, err)
	}
	e.publishPortfolio()

	log.Info("scan finished",
		zap.Int("symbols", len(symbols)),
		zap.Int("signals", len(candidates)),
		zap.Int("buy_candidates", len(buys)),
		zap.Int("entries", len(res.Accepted())),
	)
	if degraded || res.Degraded {
		return scheduler.ResultDegraded, nil
	}
	return scheduler.ResultOK, nil
}

// MonitorCycle evaluates every open position against the exit rules and
// closes the ones that match.
func (e *Engine) MonitorCycle(ctx context.Context) (scheduler.Result, error) {
	if err := e.state.Recover(); err != nil {
		return scheduler.ResultHalted, err
	}
	cycleID := e.nextCycleID()
	log := e.logger.With(zap.String("phase", "monitor"), zap.Int64("cycle", cycleID))

	var positions []models.Position
	e.state.View(func(l *ledger.Ledger) { positions = l.Positions() })

	degraded := false
	closed := 0
	marks := make(map[string]float64, len(positions))
	for _, pos := range positions {
		bars, err := e.venue.GetHistoricalBars(ctx, pos.Symbol, e.cfg.BarSize, e.cfg.HistoryLookback)
		if err == nil && len(bars) == 0 {
			err = exchange.ErrNoData
		}
		if err != nil {
			degraded = e.noteDataError(log, pos.Symbol, err) || degraded
			continue
		}
		last := bars[len(bars)-1]
		marks[pos.Symbol] = last.Close

		var snap *models.IndicatorSnapshot
		if s, err := e.indicators.Compute(pos.Symbol, exchange.Closes(bars), last.Timestamp); err == nil {
			snap = &s
		} else {
			log.Debug("indicator rules skipped", zap.String("symbol", pos.Symbol), zap.Error(err))
		}

		reason, exit := exitpolicy.Evaluate(pos, last.Close, snap, e.clock.Now(), e.rules)
		if !exit {
			continue
		}
		ok, transient, err := e.closePosition(ctx, log, cycleID, pos, reason)
		if err != nil {
			e.publishPortfolio()
			return scheduler.ResultHalted, fmt.Errorf("monitor cycle %d: %w", cycleID, err)
		}
		if ok {
			closed++
		}
		degraded = degraded || transient
	}
	e.publishPortfolio()
	e.checkDrawdown(log, marks)

	log.Info("monitor finished", zap.Int("positions", len(positions)), zap.Int("closed", closed))
	if degraded {
		return scheduler.ResultDegraded, nil
	}
	return scheduler.ResultOK, nil
}

// closePosition sells the whole position and records the fill. The error is
// non-nil only when a fill could not be committed; the manager is then halted
// so the position is not sold a second time.
func (e *Engine) closePosition(ctx context.Context, log *zap.Logger, cycleID int64, pos models.Position, reason models.ExitReason) (closed, transient bool, err error) {
	req := exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          models.Sell,
		Quantity:      pos.Quantity,
		Type:          exchange.Market,
		ClientOrderID: exchange.NewClientOrderID(models.Sell, pos.Symbol),
	}
	fill, err := e.venue.PlaceOrder(ctx, req)
	if err == nil && fill.Quantity <= 0 {
		err = exchange.ErrOrderPending
	}
	if err != nil {
		fields := []zap.Field{zap.String("symbol", pos.Symbol), zap.String("reason", string(reason)), zap.Error(err)}
		if rejected, ok := exchange.IsRejected(err); ok {
			log.Warn("exit order rejected", append(fields, zap.String("rejection", rejected))...)
			return false, false, nil
		}
		if errors.Is(err, exchange.ErrOrderPending) {
			log.Warn("exit order not filled, position kept", fields...)
			return false, false, nil
		}
		log.Error("exit order failed", fields...)
		return false, true, nil
	}

	filledAt := fill.Timestamp
	if filledAt.IsZero() {
		filledAt = e.clock.Now()
	}
	var record models.TradeHistoryRecord
	commitErr := e.state.Commit(func(l *ledger.Ledger) error {
		var err error
		record, err = l.ApplySellFill(pos.Symbol, fill.Quantity, fill.Price, filledAt, reason, fill.OrderID)
		return err
	})
	if commitErr != nil {
		log.Error("exit fill could not be recorded",
			zap.String("symbol", pos.Symbol),
			zap.String("order_id", fill.OrderID),
			zap.Int("qty", fill.Quantity),
			zap.Float64("price", fill.Price),
			zap.Error(commitErr),
		)
		if !errors.Is(commitErr, statemanager.ErrHalted) {
			e.state.Halt(commitErr)
		}
		return false, false, commitErr
	}

	e.recorder.PositionClosed(string(reason))
	e.journalFill(log, storage.FillRecord{
		ClientOrderID: req.ClientOrderID,
		OrderID:       fill.OrderID,
		Symbol:        pos.Symbol,
		Side:          models.Sell,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Reason:        string(reason),
		CycleID:       cycleID,
		FilledAt:      filledAt,
	})
	if e.journal != nil {
		if err := e.journal.RecordTrade(record); err != nil {
			log.Warn("trade not journaled", zap.String("symbol", pos.Symbol), zap.Error(err))
		}
	}

	log.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", string(reason)),
		zap.Int("qty", fill.Quantity),
		zap.Float64("entry_price", record.EntryPrice),
		zap.Float64("exit_price", record.ExitPrice),
		zap.Float64("return", record.RealizedReturn),
	)
	if fill.Quantity < pos.Quantity {
		log.Warn("exit partially filled", zap.String("symbol", pos.Symbol), zap.Int("remaining", pos.Quantity-fill.Quantity))
	}
	return true, false, nil
}

// checkDrawdown marks the portfolio at the closes seen this cycle and alerts
// once it has lost the warn or critical share of the initial capital.
func (e *Engine) checkDrawdown(log *zap.Logger, marks map[string]float64) {
	if e.cfg.InitialCapital <= 0 {
		return
	}
	var equity float64
	e.state.View(func(l *ledger.Ledger) { equity = l.Equity(marks) })
	drawdown := (equity - e.cfg.InitialCapital) / e.cfg.InitialCapital
	e.recorder.SetEquity(equity, drawdown)

	fields := []zap.Field{
		zap.Float64("equity", equity),
		zap.Float64("initial_capital", e.cfg.InitialCapital),
		zap.Float64("drawdown", drawdown),
	}
	switch {
	case drawdown <= -e.cfg.DrawdownCriticalPct:
		log.Error("portfolio drawdown critical", fields...)
	case drawdown <= -e.cfg.DrawdownWarnPct:
		log.Warn("portfolio drawdown high", fields...)
	}
}

func (e *Engine) snapshot(ctx context.Context, symbol string) (models.IndicatorSnapshot, error) {
	bars, err := e.venue.GetHistoricalBars(ctx, symbol, e.cfg.BarSize, e.cfg.HistoryLookback)
	if err != nil {
		return models.IndicatorSnapshot{}, err
	}
	if len(bars) == 0 {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s: %w", symbol, exchange.ErrNoData)
	}
	return e.indicators.Compute(symbol, exchange.Closes(bars), bars[len(bars)-1].Timestamp)
}

// noteDataError logs why symbol was skipped and reports whether the cause
// was transient.
func (e *Engine) noteDataError(log *zap.Logger, symbol string, err error) bool {
	switch {
	case errors.Is(err, exchange.ErrNoData),
		errors.Is(err, indicators.ErrInsufficientHistory),
		errors.Is(err, indicators.ErrNonFinite):
		log.Info("symbol skipped", zap.String("symbol", symbol), zap.Error(err))
		return false
	default:
		log.Warn("market data unavailable", zap.String("symbol", symbol), zap.Error(err))
		return true
	}
}

func (e *Engine) journalFill(log *zap.Logger, f storage.FillRecord) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordFill(f); err != nil {
		log.Warn("fill not journaled", zap.String("symbol", f.Symbol), zap.String("client_order_id", f.ClientOrderID), zap.Error(err))
	}
}

func (e *Engine) nextCycleID() int64 {
	if e.journal != nil {
		id, err := e.journal.NextCycleID()
		if err == nil {
			return id
		}
		e.logger.Warn("cycle counter unavailable", zap.Error(err))
	}
	return e.cycleSeq.Add(1)
}

func (e *Engine) publishPortfolio() {
	e.state.View(func(l *ledger.Ledger) {
		e.recorder.SetPortfolio(l.OpenCount(), l.Capital())
	})
}

type nopRecorder struct{}

func (nopRecorder) SignalGenerated(string)    {}
func (nopRecorder) EntryDecided(string)       {}
func (nopRecorder) PositionClosed(string)     {}
func (nopRecorder) SetPortfolio(int, float64) {}
func (nopRecorder) SetEquity(float64, float64) {}
