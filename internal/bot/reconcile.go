package bot

import (
	"context"
	"equity-signal-bot-go/internal/exchange"
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"
)

// ErrPositionMismatch means the venue holds other quantities than the
// recorded open positions.
var ErrPositionMismatch = errors.New("venue positions differ from recorded state")

// Mismatch is a symbol whose venue quantity differs from the recorded one.
type Mismatch struct {
	Symbol   string
	Recorded int
	Venue    int
}

// Reconcile compares the venue's holdings with the recorded open positions.
// Only symbols the bot holds or watches are compared, so unrelated holdings
// in the same account are ignored. Any mismatch halts the state manager: a
// fill that was never recorded cannot be repaired by retrying.
func (e *Engine) Reconcile(ctx context.Context, venue exchange.PositionLister) ([]Mismatch, error) {
	held, err := venue.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile positions: %w", err)
	}
	venueQty := make(map[string]int, len(held))
	for _, p := range held {
		venueQty[p.Symbol] = p.Quantity
	}

	state := e.state.GetStateSnapshot()
	universe := make(map[string]struct{})
	for _, symbol := range models.UniqueSymbols(state.Watchlists) {
		universe[symbol] = struct{}{}
	}
	for symbol := range state.OpenPositions {
		universe[symbol] = struct{}{}
	}

	var mismatches []Mismatch
	for _, symbol := range slices.Sorted(maps.Keys(universe)) {
		recorded := 0
		if pos, ok := state.OpenPositions[symbol]; ok {
			recorded = pos.Quantity
		}
		if venueQty[symbol] != recorded {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Recorded: recorded, Venue: venueQty[symbol]})
		}
	}

	if len(mismatches) == 0 {
		e.logger.Info("positions reconciled with the venue", zap.Int("open_positions", len(state.OpenPositions)))
		return nil, nil
	}
	for _, m := range mismatches {
		e.logger.Error("position mismatch",
			zap.String("symbol", m.Symbol),
			zap.Int("recorded", m.Recorded),
			zap.Int("venue", m.Venue),
		)
	}
	err = fmt.Errorf("%w: %d symbol(s)", ErrPositionMismatch, len(mismatches))
	e.state.Halt(err)
	return mismatches, err
}
