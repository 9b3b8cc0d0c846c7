package signals

import (
	"equity-signal-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var th = Thresholds{Oversold: 30, Overbought: 70, MACDScale: 0.5}

// flat returns a snapshot with neutral RSI and no crossover.
func flat(symbol string, rsi float64) models.IndicatorSnapshot {
	return models.IndicatorSnapshot{
		Symbol: symbol, Close: 100, RSI: rsi,
		PrevMACD: 1, PrevSignal: 0.5, MACD: 1, Signal: 0.5,
	}
}

func TestGenerate_OversoldBuy(t *testing.T) {
	snap := flat("CE", 20.7)
	snap.Close = 42.21

	sig, ok := Generate(snap, th)
	require.True(t, ok)
	assert.Equal(t, models.Buy, sig.Side)
	assert.Equal(t, RuleRSIOversold, sig.TriggeringRule)
	assert.InDelta(t, (30-20.7)/30, sig.Confidence, 1e-12)
	assert.Equal(t, 42.21, sig.Price)
	assert.Equal(t, "CE", sig.Symbol)
}

func TestGenerate_NoSignalInNeutralZone(t *testing.T) {
	_, ok := Generate(flat("AAPL", 50), th)
	assert.False(t, ok)

	// boundaries are strict
	_, ok = Generate(flat("AAPL", 30), th)
	assert.False(t, ok)
	_, ok = Generate(flat("AAPL", 70), th)
	assert.False(t, ok)
}

func TestGenerate_BullishCrossAlone(t *testing.T) {
	snap := flat("MSFT", 50)
	snap.PrevMACD, snap.PrevSignal = -0.1, 0
	snap.MACD, snap.Signal = 0.2, 0

	sig, ok := Generate(snap, th)
	require.True(t, ok)
	assert.Equal(t, models.Buy, sig.Side)
	assert.Equal(t, RuleMACDBullish, sig.TriggeringRule)
	assert.InDelta(t, 0.4, sig.Confidence, 1e-12)
}

func TestGenerate_CrossFromEqualLines(t *testing.T) {
	snap := flat("MSFT", 50)
	snap.PrevMACD, snap.PrevSignal = 0.3, 0.3
	snap.MACD, snap.Signal = 0.1, 0.3

	sig, ok := Generate(snap, th)
	require.True(t, ok)
	assert.Equal(t, models.Sell, sig.Side)
	assert.Equal(t, RuleMACDBearish, sig.TriggeringRule)
}

func TestGenerate_CombinedRulesClamped(t *testing.T) {
	snap := flat("ACVA", 3)
	snap.PrevMACD, snap.PrevSignal = -2, -1
	snap.MACD, snap.Signal = 1, -1

	sig, ok := Generate(snap, th)
	require.True(t, ok)
	assert.Equal(t, "rsi_oversold+macd_bullish_cross", sig.TriggeringRule)
	assert.Equal(t, 1.0, sig.Confidence)
}

func TestGenerate_OverboughtSell(t *testing.T) {
	sig, ok := Generate(flat("TSLA", 85), th)
	require.True(t, ok)
	assert.Equal(t, models.Sell, sig.Side)
	assert.Equal(t, RuleRSIOverbought, sig.TriggeringRule)
	assert.InDelta(t, 0.5, sig.Confidence, 1e-12)
}

func TestGenerate_ConflictResolution(t *testing.T) {
	// oversold BUY (0.1) against a bearish cross SELL (0.4)
	snap := flat("NVDA", 27)
	snap.PrevMACD, snap.PrevSignal = 0.1, 0
	snap.MACD, snap.Signal = -0.2, 0

	sig, ok := Generate(snap, th)
	require.True(t, ok)
	assert.Equal(t, models.Sell, sig.Side)

	// equal confidence goes to SELL
	snap.RSI = 30 - 30*0.4
	sig, ok = Generate(snap, th)
	require.True(t, ok)
	assert.InDelta(t, 0.4, sig.Confidence, 1e-12)
	assert.Equal(t, models.Sell, sig.Side)

	// stronger BUY wins
	snap.RSI = 6
	sig, ok = Generate(snap, th)
	require.True(t, ok)
	assert.Equal(t, models.Buy, sig.Side)
}

func TestGenerate_Monotonic(t *testing.T) {
	prev := -1.0
	for rsi := 29.0; rsi >= 0; rsi -= 1 {
		sig, ok := Generate(flat("X", rsi), th)
		require.True(t, ok)
		assert.Greater(t, sig.Confidence, prev)
		prev = sig.Confidence
	}
}

func TestRankBuys(t *testing.T) {
	all := []models.Signal{
		{Symbol: "META", Side: models.Buy, Confidence: 0.5},
		{Symbol: "AAPL", Side: models.Buy, Confidence: 0.5},
		{Symbol: "TSLA", Side: models.Sell, Confidence: 0.9},
		{Symbol: "CE", Side: models.Buy, Confidence: 0.8},
		{Symbol: "AIV", Side: models.Buy, Confidence: 0.05},
		{Symbol: "ACVA", Side: models.Buy, Confidence: 0.1},
	}

	ranked := RankBuys(all, 0.1)
	require.Len(t, ranked, 3, "confidence must exceed the minimum, not equal it")
	assert.Equal(t, "CE", ranked[0].Symbol)
	assert.Equal(t, "AAPL", ranked[1].Symbol)
	assert.Equal(t, "META", ranked[2].Symbol)
}
