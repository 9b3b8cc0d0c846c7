package ledger

import (
	"equity-signal-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	limits = Limits{MaxPositions: 2, MaxInvestmentPerTrade: 1000}
	t0     = time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
)

func newLedger(capital float64) (*Ledger, *models.BotState) {
	state := models.NewBotState("test-bot", capital, nil)
	return New(state, limits), state
}

func TestApplyBuyFill_OpensPosition(t *testing.T) {
	l, state := newLedger(10000)

	pos, err := l.ApplyBuyFill("CE", 23, 42.21, t0)
	require.NoError(t, err)

	assert.Equal(t, models.Position{Symbol: "CE", Quantity: 23, AveragePrice: 42.21, EntryDate: t0, Status: models.StatusOpen}, pos)
	assert.InDelta(t, 10000-23*42.21, state.CapitalAvailable, 1e-9)
	assert.Equal(t, 1, l.OpenCount())
	require.NoError(t, l.CheckInvariants())
}

func TestApplyBuyFill_TopUpMergesWeightedAverage(t *testing.T) {
	l, _ := newLedger(10000)

	_, err := l.ApplyBuyFill("MSFT", 1, 400, t0)
	require.NoError(t, err)
	pos, err := l.ApplyBuyFill("MSFT", 1, 410, t0.Add(48*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2, pos.Quantity)
	assert.Equal(t, 405.0, pos.AveragePrice)
	assert.Equal(t, t0, pos.EntryDate, "entry date keeps the first fill")
	assert.Equal(t, 1, l.OpenCount())
	assert.InDelta(t, 10000-810, l.Capital(), 1e-9)
}

func TestApplyBuyFill_AtCapacity(t *testing.T) {
	l, state := newLedger(10000)
	_, err := l.ApplyBuyFill("AAPL", 1, 100, t0)
	require.NoError(t, err)
	_, err = l.ApplyBuyFill("MSFT", 1, 100, t0)
	require.NoError(t, err)

	_, err = l.ApplyBuyFill("TSLA", 1, 100, t0)
	assert.ErrorIs(t, err, ErrAtCapacity)
	assert.Len(t, state.OpenPositions, 2)
	assert.InDelta(t, 9800, state.CapitalAvailable, 1e-9)

	// top-ups are not new positions
	_, err = l.ApplyBuyFill("AAPL", 1, 100, t0)
	assert.NoError(t, err)
}

func TestApplyBuyFill_InvalidFill(t *testing.T) {
	l, _ := newLedger(10000)
	_, err := l.ApplyBuyFill("CE", 0, 42, t0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	_, err = l.ApplyBuyFill("CE", 1, 0, t0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	assert.Zero(t, l.OpenCount())
}

func TestApplySellFill_ClosesPosition(t *testing.T) {
	l, state := newLedger(1000)
	_, err := l.ApplyBuyFill("AAPL", 4, 232.97, t0)
	require.NoError(t, err)

	exitAt := t0.Add(72 * time.Hour)
	rec, err := l.ApplySellFill("AAPL", 4, 244.62, exitAt, models.ExitProfitTarget, "order-1")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", rec.Symbol)
	assert.Equal(t, 4, rec.Quantity)
	assert.Equal(t, 232.97, rec.EntryPrice)
	assert.Equal(t, 244.62, rec.ExitPrice)
	assert.Equal(t, t0, rec.EntryDate)
	assert.Equal(t, exitAt, rec.ExitDate)
	assert.Equal(t, models.ExitProfitTarget, rec.ExitReason)
	assert.InDelta(t, 0.0500064, rec.RealizedReturn, 1e-7)
	assert.Equal(t, "order-1", rec.OrderID)

	assert.Empty(t, state.OpenPositions)
	require.Len(t, state.TradeHistory, 1)
	assert.InDelta(t, 1000-4*232.97+4*244.62, state.CapitalAvailable, 1e-9)
}

func TestApplySellFill_PartialReducesPosition(t *testing.T) {
	l, state := newLedger(1000)
	_, err := l.ApplyBuyFill("CE", 10, 40, t0)
	require.NoError(t, err)

	_, err = l.ApplySellFill("CE", 4, 38, t0, models.ExitStopLoss, "")
	require.NoError(t, err)

	pos, ok := l.Position("CE")
	require.True(t, ok)
	assert.Equal(t, 6, pos.Quantity)
	assert.Len(t, state.TradeHistory, 1)
}

func TestApplySellFill_Errors(t *testing.T) {
	l, _ := newLedger(1000)
	_, err := l.ApplySellFill("CE", 1, 40, t0, models.ExitStopLoss, "")
	assert.ErrorIs(t, err, ErrNoOpenPosition)

	_, err = l.ApplyBuyFill("CE", 2, 40, t0)
	require.NoError(t, err)
	_, err = l.ApplySellFill("CE", 3, 40, t0, models.ExitStopLoss, "")
	assert.ErrorIs(t, err, ErrInvalidFill)
}

func TestEquity(t *testing.T) {
	l, _ := newLedger(10000)
	_, err := l.ApplyBuyFill("CE", 23, 42.21, t0)
	require.NoError(t, err)
	_, err = l.ApplyBuyFill("AAPL", 4, 232.97, t0)
	require.NoError(t, err)

	assert.InDelta(t, 10000.0, l.Equity(nil), 1e-9, "unmarked positions count at cost")
	assert.InDelta(t, 10000-23*42.21+23*40+4*232.97, l.Equity(map[string]float64{"CE": 40}), 1e-9)
}

func TestCheckInvariants(t *testing.T) {
	state := models.NewBotState("x", 0, nil)
	state.OpenPositions["A"] = &models.Position{Symbol: "A", Quantity: 10, AveragePrice: 150}
	state.OpenPositions["B"] = &models.Position{Symbol: "B", Quantity: 1, AveragePrice: 1}
	state.OpenPositions["C"] = &models.Position{Symbol: "C", Quantity: 1, AveragePrice: 1}
	l := New(state, limits)

	err := l.CheckInvariants()
	require.ErrorIs(t, err, ErrInvariantBroken)
	assert.Contains(t, err.Error(), "3 open positions > max 2")
	assert.Contains(t, err.Error(), "A notional 1500.00 > max 1000.00")
	assert.True(t, l.Over("A"))
	assert.False(t, l.Over("B"))
}

func TestPositionsSorted(t *testing.T) {
	l, _ := newLedger(10000)
	_, _ = l.ApplyBuyFill("MSFT", 1, 10, t0)
	_, _ = l.ApplyBuyFill("AAPL", 1, 10, t0)

	positions := l.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, "MSFT", positions[1].Symbol)
}
