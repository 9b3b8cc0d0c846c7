package allocator

import (
	"context"
	"equity-signal-bot-go/internal/exchange"
	"equity-signal-bot-go/internal/ledger"
	"equity-signal-bot-go/internal/models"
	"equity-signal-bot-go/internal/signals"
	"equity-signal-bot-go/internal/statemanager"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Rejection reasons.
const (
	ReasonAtCapacity          = "at_capacity"
	ReasonZeroQuantity        = "zero_quantity"
	ReasonInsufficientCapital = "insufficient_capital"
	ReasonEntryLimit          = "max_entries_per_scan"
	ReasonOrderPending        = "order_pending"
	ReasonVenueError          = "venue_error"
)

// Store is the owner of the ledger.
type Store interface {
	View(fn func(l *ledger.Ledger))
	Commit(fn func(l *ledger.Ledger) error) error
	Halted() bool
}

// OrderPlacer sends orders to the venue.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Fill, error)
}

// Decision is the outcome for one candidate.
type Decision struct {
	Symbol        string
	Rule          string
	Confidence    float64
	Accepted      bool
	Quantity      int
	ClientOrderID string
	Fill          *exchange.Fill
	Reason        string
	Err           error
}

// Result is the outcome of one allocation run.
type Result struct {
	Decisions []Decision
	Degraded  bool // a venue call failed for transient reasons
}

// Accepted returns the decisions that produced a fill.
func (r Result) Accepted() []Decision {
	var out []Decision
	for _, d := range r.Decisions {
		if d.Accepted {
			out = append(out, d)
		}
	}
	return out
}

// Allocator is the entry gate. It ranks BUY signals, sizes each entry within
// the per-trade and capital limits, sends the orders and commits each fill
// before it looks at the next candidate.
type Allocator struct {
	store      Store
	placer     OrderPlacer
	maxEntries int
	logger     *zap.Logger
	newOrderID func(side models.Side, symbol string) string
	now        func() time.Time
}

// New creates an allocator that attempts at most maxEntries orders per run.
func New(store Store, placer OrderPlacer, maxEntries int, logger *zap.Logger) *Allocator {
	return &Allocator{
		store:      store,
		placer:     placer,
		maxEntries: maxEntries,
		logger:     logger,
		newOrderID: exchange.NewClientOrderID,
		now:        time.Now,
	}
}

// Allocate runs the entry gate over candidates. The returned error is non-nil
// only when the state could not be committed; the run stops there and no
// further order is sent.
func (a *Allocator) Allocate(ctx context.Context, candidates []models.Signal) (Result, error) {
	ranked := make([]models.Signal, 0, len(candidates))
	for _, c := range candidates {
		if c.Side == models.Buy {
			ranked = append(ranked, c)
		}
	}
	signals.SortByConfidence(ranked)

	var res Result
	attempts := 0
	for _, cand := range ranked {
		if a.store.Halted() {
			return res, fmt.Errorf("allocate %s: %w", cand.Symbol, statemanager.ErrHalted)
		}

		d := Decision{Symbol: cand.Symbol, Rule: cand.TriggeringRule, Confidence: cand.Confidence}
		if attempts >= a.maxEntries {
			d.Reason = ReasonEntryLimit
			res.Decisions = append(res.Decisions, a.reject(d, cand))
			continue
		}

		var qty int
		var reason string
		a.store.View(func(l *ledger.Ledger) {
			if _, open := l.Position(cand.Symbol); !open && !l.CanOpen() {
				reason = ReasonAtCapacity
				return
			}
			qty, reason = Size(l, cand.Symbol, cand.Price)
		})
		if reason != "" {
			d.Reason = reason
			res.Decisions = append(res.Decisions, a.reject(d, cand))
			continue
		}

		attempts++
		d.Quantity = qty
		req := exchange.OrderRequest{
			Symbol:        cand.Symbol,
			Side:          models.Buy,
			Quantity:      qty,
			Type:          exchange.Market,
			ClientOrderID: a.newOrderID(models.Buy, cand.Symbol),
		}
		d.ClientOrderID = req.ClientOrderID
		fill, err := a.placer.PlaceOrder(ctx, req)
		if err == nil && fill.Quantity <= 0 {
			err = exchange.ErrOrderPending
		}
		if err != nil {
			d.Err = err
			switch rejected, isRejected := exchange.IsRejected(err); {
			case isRejected:
				d.Reason = "rejected:" + rejected
			case errors.Is(err, exchange.ErrOrderPending):
				d.Reason = ReasonOrderPending
			default:
				d.Reason = ReasonVenueError
				res.Degraded = true
			}
			res.Decisions = append(res.Decisions, a.reject(d, cand))
			continue
		}

		filledAt := fill.Timestamp
		if filledAt.IsZero() {
			filledAt = a.now()
		}
		var over bool
		err = a.store.Commit(func(l *ledger.Ledger) error {
			if _, err := l.ApplyBuyFill(cand.Symbol, fill.Quantity, fill.Price, filledAt); err != nil {
				return err
			}
			over = l.Over(cand.Symbol)
			return nil
		})
		d.Fill = &fill
		if err != nil {
			// the fill happened; only the bookkeeping is in doubt
			d.Err = err
			d.Reason = "commit_failed"
			res.Decisions = append(res.Decisions, d)
			a.logger.Error("entry fill could not be committed",
				zap.String("symbol", cand.Symbol),
				zap.String("order_id", fill.OrderID),
				zap.Int("qty", fill.Quantity),
				zap.Float64("price", fill.Price),
				zap.Error(err),
			)
			return res, fmt.Errorf("commit entry %s: %w", cand.Symbol, err)
		}

		d.Accepted = true
		d.Quantity = fill.Quantity
		res.Decisions = append(res.Decisions, d)
		a.logger.Info("entry filled",
			zap.String("symbol", cand.Symbol),
			zap.String("rule", cand.TriggeringRule),
			zap.Float64("confidence", cand.Confidence),
			zap.Int("qty", fill.Quantity),
			zap.Float64("price", fill.Price),
			zap.String("order_id", fill.OrderID),
		)
		if over {
			a.logger.Warn("fill price pushed position over max investment per trade",
				zap.String("symbol", cand.Symbol), zap.Float64("price", fill.Price))
		}
	}
	return res, nil
}

func (a *Allocator) reject(d Decision, cand models.Signal) Decision {
	fields := []zap.Field{
		zap.String("symbol", cand.Symbol),
		zap.String("rule", cand.TriggeringRule),
		zap.String("reason", d.Reason),
		zap.Float64("confidence", cand.Confidence),
	}
	if d.Err != nil {
		fields = append(fields, zap.Error(d.Err))
	}
	a.logger.Info("entry rejected", fields...)
	return d
}

// Size computes the quantity for a BUY of symbol at price:
// floor(min(max_investment - existing_notional, capital) / price).
// A zero quantity comes with the reason it is zero.
func Size(l *ledger.Ledger, symbol string, price float64) (int, string) {
	if price <= 0 {
		return 0, ReasonZeroQuantity
	}
	headroom := decimal.NewFromFloat(l.Limits().MaxInvestmentPerTrade).Sub(decimal.NewFromFloat(l.Notional(symbol)))
	capital := decimal.NewFromFloat(l.Capital())

	budget := decimal.Min(headroom, capital)
	qty := int64(0)
	if budget.IsPositive() {
		qty = budget.Div(decimal.NewFromFloat(price)).Floor().IntPart()
	}
	if qty > 0 {
		return int(qty), ""
	}
	if capital.LessThan(headroom) {
		return 0, ReasonInsufficientCapital
	}
	return 0, ReasonZeroQuantity
}
