package indicators

import (
	"equity-signal-bot-go/internal/models"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultParams = Params{RSIWindow: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9}

func linear(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func randomWalk(seed int64, n int) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	price := 100.0
	for i := range out {
		price += r.Float64()*4 - 2
		if price < 1 {
			price = 1
		}
		out[i] = price
	}
	return out
}

func TestParams_MinHistory(t *testing.T) {
	assert.Equal(t, 36, defaultParams.MinHistory())
	assert.Equal(t, 41, Params{RSIWindow: 30, MACDFast: 3, MACDSlow: 5, MACDSignal: 10}.MinHistory())
	assert.Equal(t, models.DefaultConfig().MinHistory(), ParamsFromConfig(models.DefaultConfig()).MinHistory())
}

func TestRSI_HandComputed(t *testing.T) {
	rsi, err := RSI([]float64{1, 2, 1}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, rsi, 1e-9)

	// gain 1 smoothed in: avgGain 0.75, avgLoss 0.25
	rsi, err = RSI([]float64{1, 2, 1, 2}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, rsi, 1e-9)
}

func TestRSI_NonDecreasingIs100(t *testing.T) {
	closes := []float64{10, 10, 11, 11, 12, 13, 13, 14, 15, 15, 16, 17, 18, 18, 19}
	rsi, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)
}

// Wilder smoothing runs over the whole series, so an early loss decays
// instead of dropping out of a fixed window.
func TestRSI_EarlyLossDecaysAcrossHistory(t *testing.T) {
	closes := []float64{100, 90}
	for i := 1; i <= 40; i++ {
		closes = append(closes, 90+0.1*float64(i))
	}

	rsi, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.InDelta(t, 50.6274, rsi, 1e-4)

	tail, err := RSI(closes[len(closes)-15:], 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, tail, "the same rise alone is all gain")

	for i := 41; i <= 100; i++ {
		closes = append(closes, 90+0.1*float64(i))
	}
	longer, err := RSI(closes, 14)
	require.NoError(t, err)
	assert.Greater(t, longer, 98.0)
	assert.Less(t, longer, 100.0)
}

func TestRSI_StrictlyDecreasingIsZero(t *testing.T) {
	rsi, err := RSI(linear(20, 100, -1), 14)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rsi)
}

func TestRSI_WithinBounds(t *testing.T) {
	for seed := int64(1); seed <= 50; seed++ {
		rsi, err := RSI(randomWalk(seed, 80), 14)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rsi, 0.0)
		assert.LessOrEqual(t, rsi, 100.0)
	}
}

func TestRSI_InsufficientHistory(t *testing.T) {
	_, err := RSI(linear(14, 1, 1), 14)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestEMA_SeededWithSMA(t *testing.T) {
	ema, err := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 3, 4}, ema, 1e-12)
}

func TestMACD_LinearSeries(t *testing.T) {
	// On a straight line every EMA lags the price by (N-1)/2, so the MACD line
	// is constant at (slow-fast)/2 and the signal line equals it.
	res, err := MACD(linear(60, 10, 1), 12, 26, 9)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, res.MACD, 1e-9)
	assert.InDelta(t, 7.0, res.PrevMACD, 1e-9)
	assert.InDelta(t, 7.0, res.Signal, 1e-9)
	assert.InDelta(t, 7.0, res.PrevSignal, 1e-9)
}

func TestMACD_ConstantSeriesIsFlat(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 42.21
	}
	res, err := MACD(closes, 12, 26, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.MACD, 1e-12)
	assert.InDelta(t, 0, res.Signal, 1e-12)
}

func TestMACD_MinimumLength(t *testing.T) {
	_, err := MACD(linear(34, 1, 1), 12, 26, 9)
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = MACD(linear(35, 1, 1), 12, 26, 9)
	assert.NoError(t, err)
}

func TestEngine_Compute(t *testing.T) {
	engine := NewEngine(defaultParams)
	barTime := time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)

	snap, err := engine.Compute("CE", linear(40, 50, 0.5), barTime)
	require.NoError(t, err)

	assert.Equal(t, "CE", snap.Symbol)
	assert.Equal(t, barTime, snap.BarTime)
	assert.Equal(t, 69.5, snap.Close)
	assert.Equal(t, 100.0, snap.RSI)
	assert.InDelta(t, 3.5, snap.MACD, 1e-9)
	assert.InDelta(t, snap.MACD-snap.Signal, snap.Histogram, 1e-12)
}

func TestEngine_Deterministic(t *testing.T) {
	engine := NewEngine(defaultParams)
	closes := randomWalk(7, 60)

	first, err := engine.Compute("AAPL", closes, time.Time{})
	require.NoError(t, err)

	// interleave another symbol to prove nothing leaks between calls
	_, err = engine.Compute("MSFT", randomWalk(8, 60), time.Time{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := engine.Compute("AAPL", closes, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEngine_Errors(t *testing.T) {
	engine := NewEngine(defaultParams)

	_, err := engine.Compute("CE", linear(35, 1, 1), time.Time{})
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	closes := linear(40, 1, 1)
	closes[20] = math.NaN()
	_, err = engine.Compute("CE", closes, time.Time{})
	assert.ErrorIs(t, err, ErrNonFinite)

	closes[20] = math.Inf(1)
	_, err = engine.Compute("CE", closes, time.Time{})
	assert.ErrorIs(t, err, ErrNonFinite)
}
