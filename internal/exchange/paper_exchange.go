package exchange

import (
	"context"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BarSource provides historical bars.
type BarSource interface {
	GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error)
}

// PaperExchange simulates a cash account in process. Market orders fill in
// full at the last close of the configured bar size.
type PaperExchange struct {
	source  BarSource
	barSize string
	now     func() time.Time

	mu          sync.Mutex
	cash        decimal.Decimal
	holdings    map[string]int
	fills       map[string]Fill // by client order id
	nextOrderID int64
}

// NewPaperExchange creates a paper venue holding cash and the given holdings.
// holdings lets a restarted bot resume with the positions it recorded.
func NewPaperExchange(source BarSource, barSize string, cash float64, holdings map[string]int) *PaperExchange {
	h := make(map[string]int, len(holdings))
	for symbol, qty := range holdings {
		h[symbol] = qty
	}
	return &PaperExchange{
		source:      source,
		barSize:     barSize,
		now:         time.Now,
		cash:        decimal.NewFromFloat(cash),
		holdings:    h,
		fills:       make(map[string]Fill),
		nextOrderID: 1,
	}
}

// GetHistoricalBars implements Exchange.
func (e *PaperExchange) GetHistoricalBars(ctx context.Context, symbol, barSize string, lookback int) ([]Bar, error) {
	return e.source.GetHistoricalBars(ctx, symbol, barSize, lookback)
}

// PlaceOrder implements Exchange. A client order id seen before returns the
// original fill.
func (e *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if req.Quantity <= 0 {
		return Fill{}, &RejectedError{Reason: ReasonRejected, Detail: "quantity must be positive"}
	}

	e.mu.Lock()
	if fill, ok := e.fills[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		e.mu.Unlock()
		return fill, nil
	}
	e.mu.Unlock()

	bars, err := e.source.GetHistoricalBars(ctx, req.Symbol, e.barSize, 1)
	if err == nil && len(bars) == 0 {
		err = ErrNoData
	}
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return Fill{}, &RejectedError{Reason: ReasonInvalidSymbol, Detail: err.Error()}
		}
		return Fill{}, fmt.Errorf("price %s: %w", req.Symbol, err)
	}
	price := bars[len(bars)-1].Close

	e.mu.Lock()
	defer e.mu.Unlock()

	notional := decimal.NewFromInt(int64(req.Quantity)).Mul(decimal.NewFromFloat(price))
	switch req.Side {
	case models.Buy:
		if notional.GreaterThan(e.cash) {
			return Fill{}, &RejectedError{
				Reason: ReasonInsufficientFunds,
				Detail: fmt.Sprintf("need %s, have %s", notional.StringFixed(2), e.cash.StringFixed(2)),
			}
		}
		e.cash = e.cash.Sub(notional)
		e.holdings[req.Symbol] += req.Quantity
	case models.Sell:
		if e.holdings[req.Symbol] < req.Quantity {
			return Fill{}, &RejectedError{
				Reason: ReasonRejected,
				Detail: fmt.Sprintf("sell %d %s, holding %d", req.Quantity, req.Symbol, e.holdings[req.Symbol]),
			}
		}
		e.cash = e.cash.Add(notional)
		e.holdings[req.Symbol] -= req.Quantity
		if e.holdings[req.Symbol] == 0 {
			delete(e.holdings, req.Symbol)
		}
	default:
		return Fill{}, &RejectedError{Reason: ReasonRejected, Detail: "unknown side " + string(req.Side)}
	}

	fill := Fill{
		OrderID:   "paper-" + strconv.FormatInt(e.nextOrderID, 10),
		Price:     price,
		Quantity:  req.Quantity,
		Timestamp: e.now(),
	}
	e.nextOrderID++
	if req.ClientOrderID != "" {
		e.fills[req.ClientOrderID] = fill
	}
	return fill, nil
}

// Cash returns the simulated cash balance.
func (e *PaperExchange) Cash() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash.InexactFloat64()
}

// GetPositions lists the simulated holdings, sorted by symbol. The paper
// account does not track cost, so AvgEntryPrice is zero.
func (e *PaperExchange) GetPositions(ctx context.Context) ([]VenuePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]VenuePosition, 0, len(e.holdings))
	for symbol, qty := range e.holdings {
		out = append(out, VenuePosition{Symbol: symbol, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Holding returns the simulated share count of symbol.
func (e *PaperExchange) Holding(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdings[symbol]
}
