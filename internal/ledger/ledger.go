package ledger

import (
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAtCapacity      = errors.New("open position limit reached")
	ErrNoOpenPosition  = errors.New("no open position")
	ErrInvalidFill     = errors.New("invalid fill")
	ErrInvariantBroken = errors.New("ledger invariant broken")
)

// Limits are the entry limits the ledger enforces.
type Limits struct {
	MaxPositions          int
	MaxInvestmentPerTrade float64
}

// LimitsFromConfig extracts the entry limits from cfg.
func LimitsFromConfig(cfg *models.Config) Limits {
	return Limits{MaxPositions: cfg.MaxPositions, MaxInvestmentPerTrade: cfg.MaxInvestmentPerTrade}
}

// Ledger is the only writer of open positions, trade history and capital
// inside a BotState. It is not safe for concurrent use; the state manager
// serializes access.
type Ledger struct {
	state  *models.BotState
	limits Limits
}

// New wraps state. The ledger mutates state in place.
func New(state *models.BotState, limits Limits) *Ledger {
	state.Normalize()
	return &Ledger{state: state, limits: limits}
}

// Limits returns the limits the ledger enforces.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Capital is the cash available for new entries.
func (l *Ledger) Capital() float64 {
	return l.state.CapitalAvailable
}

// OpenCount is the number of open positions.
func (l *Ledger) OpenCount() int {
	return len(l.state.OpenPositions)
}

// Position returns a copy of the open position in symbol.
func (l *Ledger) Position(symbol string) (models.Position, bool) {
	pos, ok := l.state.OpenPositions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions ordered by symbol.
func (l *Ledger) Positions() []models.Position {
	out := make([]models.Position, 0, len(l.state.OpenPositions))
	for _, pos := range l.state.OpenPositions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Notional returns quantity×average_price of the open position in symbol, or 0.
func (l *Ledger) Notional(symbol string) float64 {
	pos, ok := l.state.OpenPositions[symbol]
	if !ok {
		return 0
	}
	return pos.Notional()
}

// CanOpen reports whether a position in a symbol without one may be opened.
func (l *Ledger) CanOpen() bool {
	return len(l.state.OpenPositions) < l.limits.MaxPositions
}

// ApplyBuyFill records a confirmed BUY fill. It opens a position, or merges
// into the existing one with a weighted average price, and debits capital by
// the fill notional.
//
// Pre: qty > 0, price > 0; a new symbol requires a free slot.
// Post: exactly one open position for symbol; capital reduced by qty×price.
//
// The notional limit is enforced when the order is sized, not here: a fill
// already happened at the venue and must be recorded even when slippage
// pushed it over the limit. Over reports whether that occurred.
func (l *Ledger) ApplyBuyFill(symbol string, qty int, price float64, at time.Time) (models.Position, error) {
	if qty <= 0 || price <= 0 {
		return models.Position{}, fmt.Errorf("buy %s qty=%d price=%f: %w", symbol, qty, price, ErrInvalidFill)
	}
	fillNotional := decimal.NewFromInt(int64(qty)).Mul(decimal.NewFromFloat(price))

	pos, exists := l.state.OpenPositions[symbol]
	if !exists {
		if !l.CanOpen() {
			return models.Position{}, fmt.Errorf("buy %s: %w", symbol, ErrAtCapacity)
		}
		pos = &models.Position{
			Symbol:       symbol,
			Quantity:     qty,
			AveragePrice: price,
			EntryDate:    at,
			Status:       models.StatusOpen,
		}
		l.state.OpenPositions[symbol] = pos
	} else {
		if err := pos.Merge(qty, price); err != nil {
			return models.Position{}, err
		}
	}

	l.state.CapitalAvailable = decimal.NewFromFloat(l.state.CapitalAvailable).Sub(fillNotional).InexactFloat64()
	return *pos, nil
}

// ApplySellFill records a confirmed SELL fill against the open position. A
// fill for the whole quantity closes the position; a smaller fill reduces it.
// Either way a TradeHistoryRecord for the filled quantity is appended and
// capital is credited by the fill notional.
func (l *Ledger) ApplySellFill(symbol string, qty int, price float64, at time.Time, reason models.ExitReason, orderID string) (models.TradeHistoryRecord, error) {
	pos, ok := l.state.OpenPositions[symbol]
	if !ok {
		return models.TradeHistoryRecord{}, fmt.Errorf("sell %s: %w", symbol, ErrNoOpenPosition)
	}
	if qty <= 0 || price <= 0 || qty > pos.Quantity {
		return models.TradeHistoryRecord{}, fmt.Errorf("sell %s qty=%d of %d price=%f: %w", symbol, qty, pos.Quantity, price, ErrInvalidFill)
	}

	record := models.TradeHistoryRecord{
		Symbol:         symbol,
		Quantity:       qty,
		EntryPrice:     pos.AveragePrice,
		ExitPrice:      price,
		EntryDate:      pos.EntryDate,
		ExitDate:       at,
		ExitReason:     reason,
		RealizedReturn: pos.Return(price).InexactFloat64(),
		OrderID:        orderID,
	}

	if qty == pos.Quantity {
		delete(l.state.OpenPositions, symbol)
	} else {
		pos.Quantity -= qty
	}
	l.state.TradeHistory = append(l.state.TradeHistory, record)

	proceeds := decimal.NewFromInt(int64(qty)).Mul(decimal.NewFromFloat(price))
	l.state.CapitalAvailable = decimal.NewFromFloat(l.state.CapitalAvailable).Add(proceeds).InexactFloat64()
	return record, nil
}

// MarkScan stamps the completion time of a scan cycle.
func (l *Ledger) MarkScan(at time.Time) {
	l.state.LastScanTimestamp = at
}

// Equity is the available capital plus every open position marked at
// prices[symbol], or at its average price when no mark is given.
func (l *Ledger) Equity(prices map[string]float64) float64 {
	total := decimal.NewFromFloat(l.state.CapitalAvailable)
	for symbol, pos := range l.state.OpenPositions {
		mark, ok := prices[symbol]
		if !ok {
			mark = pos.AveragePrice
		}
		total = total.Add(decimal.NewFromInt(int64(pos.Quantity)).Mul(decimal.NewFromFloat(mark)))
	}
	return total.InexactFloat64()
}

// Over reports whether the open position in symbol exceeds the per-trade
// notional limit.
func (l *Ledger) Over(symbol string) bool {
	return decimal.NewFromFloat(l.Notional(symbol)).GreaterThan(decimal.NewFromFloat(l.limits.MaxInvestmentPerTrade))
}

// CheckInvariants verifies the position count limit and the per-position
// notional limit.
func (l *Ledger) CheckInvariants() error {
	var problems []string
	if n := len(l.state.OpenPositions); n > l.limits.MaxPositions {
		problems = append(problems, fmt.Sprintf("%d open positions > max %d", n, l.limits.MaxPositions))
	}
	maxInvestment := decimal.NewFromFloat(l.limits.MaxInvestmentPerTrade)
	for symbol, pos := range l.state.OpenPositions {
		if pos.Symbol != symbol {
			problems = append(problems, fmt.Sprintf("position keyed %s holds %s", symbol, pos.Symbol))
		}
		if pos.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("%s quantity %d", symbol, pos.Quantity))
		}
		if decimal.NewFromFloat(pos.Notional()).GreaterThan(maxInvestment) {
			problems = append(problems, fmt.Sprintf("%s notional %.2f > max %.2f", symbol, pos.Notional(), l.limits.MaxInvestmentPerTrade))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvariantBroken, strings.Join(problems, "; "))
	}
	return nil
}
