package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// StateVersion is bumped whenever the persisted layout changes.
const StateVersion = 1

// PositionStatus is the lifecycle status of a position. Only open positions
// live in BotState; closed ones become TradeHistoryRecords.
type PositionStatus string

const StatusOpen PositionStatus = "OPEN"

// BotState is the durable aggregate the engine resumes from.
type BotState struct {
	BotID             string               `json:"bot_id"`
	Version           int                  `json:"version"`
	OpenPositions     map[string]*Position `json:"open_positions"`
	TradeHistory      []TradeHistoryRecord `json:"trade_history"`
	Watchlists        map[string][]string  `json:"watchlists"`
	CapitalAvailable  float64              `json:"capital_available"`
	LastScanTimestamp time.Time            `json:"last_scan_timestamp"`
	LastUpdateTime    time.Time            `json:"last_update_time"`
}

// Position is an open holding in one symbol.
type Position struct {
	Symbol       string         `json:"symbol"`
	Quantity     int            `json:"quantity"`
	AveragePrice float64        `json:"average_price"`
	EntryDate    time.Time      `json:"entry_date"`
	Status       PositionStatus `json:"status"`
}

// TradeHistoryRecord is an immutable record of a closed position.
type TradeHistoryRecord struct {
	Symbol         string     `json:"symbol"`
	Quantity       int        `json:"quantity"`
	EntryPrice     float64    `json:"entry_price"`
	ExitPrice      float64    `json:"exit_price"`
	EntryDate      time.Time  `json:"entry_date"`
	ExitDate       time.Time  `json:"exit_date"`
	ExitReason     ExitReason `json:"exit_reason"`
	RealizedReturn float64    `json:"realized_return"`
	OrderID        string     `json:"order_id,omitempty"`
}

// NewBotState returns an empty state seeded with the starting capital.
func NewBotState(botID string, capital float64, watchlists map[string][]string) *BotState {
	return &BotState{
		BotID:            botID,
		Version:          StateVersion,
		OpenPositions:    make(map[string]*Position),
		TradeHistory:     make([]TradeHistoryRecord, 0),
		Watchlists:       copyWatchlists(watchlists),
		CapitalAvailable: capital,
	}
}

// DeepCopy returns a copy that shares no mutable memory with s.
func (s *BotState) DeepCopy() *BotState {
	if s == nil {
		return nil
	}
	stateCopy := *s

	stateCopy.OpenPositions = make(map[string]*Position, len(s.OpenPositions))
	for symbol, pos := range s.OpenPositions {
		if pos != nil {
			posCopy := *pos
			stateCopy.OpenPositions[symbol] = &posCopy
		}
	}

	stateCopy.TradeHistory = make([]TradeHistoryRecord, len(s.TradeHistory))
	copy(stateCopy.TradeHistory, s.TradeHistory)

	stateCopy.Watchlists = copyWatchlists(s.Watchlists)
	return &stateCopy
}

// Normalize repairs nil collections after decoding an older or partial snapshot.
func (s *BotState) Normalize() {
	if s.OpenPositions == nil {
		s.OpenPositions = make(map[string]*Position)
	}
	if s.TradeHistory == nil {
		s.TradeHistory = make([]TradeHistoryRecord, 0)
	}
	if s.Watchlists == nil {
		s.Watchlists = make(map[string][]string)
	}
	for symbol, pos := range s.OpenPositions {
		if pos == nil {
			delete(s.OpenPositions, symbol)
			continue
		}
		if pos.Status == "" {
			pos.Status = StatusOpen
		}
	}
}

// Notional is Quantity×AveragePrice.
func (p *Position) Notional() float64 {
	return decimal.NewFromInt(int64(p.Quantity)).Mul(decimal.NewFromFloat(p.AveragePrice)).InexactFloat64()
}

// Merge folds a top-up fill into the position. AveragePrice becomes the
// quantity-weighted average of both fills, so that afterwards
// Quantity×AveragePrice equals old notional + fill notional. EntryDate keeps
// the date of the first fill.
func (p *Position) Merge(fillQty int, fillPrice float64) error {
	if fillQty <= 0 {
		return fmt.Errorf("merge %s: fill quantity must be positive, got %d", p.Symbol, fillQty)
	}
	if fillPrice <= 0 {
		return fmt.Errorf("merge %s: fill price must be positive, got %f", p.Symbol, fillPrice)
	}

	oldQty := decimal.NewFromInt(int64(p.Quantity))
	addQty := decimal.NewFromInt(int64(fillQty))
	notional := oldQty.Mul(decimal.NewFromFloat(p.AveragePrice)).
		Add(addQty.Mul(decimal.NewFromFloat(fillPrice)))
	total := oldQty.Add(addQty)

	p.AveragePrice = notional.Div(total).InexactFloat64()
	p.Quantity += fillQty
	return nil
}

// Return is the unrealized return of the position at price.
func (p *Position) Return(price float64) decimal.Decimal {
	avg := decimal.NewFromFloat(p.AveragePrice)
	if avg.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromFloat(price).Sub(avg).Div(avg)
}

// UniqueSymbols flattens watchlists into a sorted list without duplicates.
func UniqueSymbols(watchlists map[string][]string) []string {
	seen := make(map[string]struct{})
	symbols := make([]string, 0)
	for _, list := range watchlists {
		for _, symbol := range list {
			if symbol == "" {
				continue
			}
			if _, ok := seen[symbol]; ok {
				continue
			}
			seen[symbol] = struct{}{}
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

func copyWatchlists(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src))
	for name, symbols := range src {
		list := make([]string, len(symbols))
		copy(list, symbols)
		dst[name] = list
	}
	return dst
}
