package indicators

import (
	"equity-signal-bot-go/internal/models"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInsufficientHistory is returned when the close series is shorter
	// than the indicator windows require.
	ErrInsufficientHistory = errors.New("insufficient price history")
	// ErrNonFinite is returned when an input or a computed value is NaN or Inf.
	ErrNonFinite = errors.New("non-finite indicator value")
)

// Params are the indicator windows.
type Params struct {
	RSIWindow  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// ParamsFromConfig extracts the indicator windows from cfg.
func ParamsFromConfig(cfg *models.Config) Params {
	return Params{
		RSIWindow:  cfg.RSIWindow,
		MACDFast:   cfg.MACDFast,
		MACDSlow:   cfg.MACDSlow,
		MACDSignal: cfg.MACDSignal,
	}
}

// MinHistory is the shortest close series Compute accepts.
func (p Params) MinHistory() int {
	return models.MinHistory(p.RSIWindow, p.MACDSlow, p.MACDSignal)
}

// Engine turns close series into IndicatorSnapshots. It carries no state
// between calls, so the same closes always produce the same snapshot.
type Engine struct {
	params Params
}

// NewEngine creates an engine for the given windows.
func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// Compute evaluates RSI and MACD over closes (oldest first). barTime is the
// timestamp of the last close.
func (e *Engine) Compute(symbol string, closes []float64, barTime time.Time) (models.IndicatorSnapshot, error) {
	if need := e.params.MinHistory(); len(closes) < need {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s: have %d closes, need %d: %w", symbol, len(closes), need, ErrInsufficientHistory)
	}
	if err := checkFinite(closes...); err != nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s: input: %w", symbol, err)
	}

	rsi, err := RSI(closes, e.params.RSIWindow)
	if err != nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s: rsi: %w", symbol, err)
	}
	m, err := MACD(closes, e.params.MACDFast, e.params.MACDSlow, e.params.MACDSignal)
	if err != nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s: macd: %w", symbol, err)
	}

	snap := models.IndicatorSnapshot{
		Symbol:     symbol,
		BarTime:    barTime,
		Close:      closes[len(closes)-1],
		RSI:        rsi,
		MACD:       m.MACD,
		PrevMACD:   m.PrevMACD,
		Signal:     m.Signal,
		PrevSignal: m.PrevSignal,
		Histogram:  m.MACD - m.Signal,
	}
	if err := checkFinite(snap.RSI, snap.MACD, snap.PrevMACD, snap.Signal, snap.PrevSignal, snap.Histogram); err != nil {
		return models.IndicatorSnapshot{}, fmt.Errorf("%s: output: %w", symbol, err)
	}
	return snap, nil
}

// RSI computes Wilder's RSI of the last close. The first average gain and
// loss are simple means over the first window deltas; every later delta is
// smoothed with factor 1/window, so every close in the slice contributes.
// RSI is 100 when the average loss is zero.
func RSI(closes []float64, window int) (float64, error) {
	if window < 1 {
		return 0, fmt.Errorf("rsi window %d", window)
	}
	if len(closes) < window+1 {
		return 0, ErrInsufficientHistory
	}

	var avgGain, avgLoss float64
	for i := 1; i <= window; i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain += gain
		avgLoss += loss
	}
	w := float64(window)
	avgGain /= w
	avgLoss /= w

	for i := window + 1; i < len(closes); i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain = (avgGain*(w-1) + gain) / w
		avgLoss = (avgLoss*(w-1) + loss) / w
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	rsi := 100 - 100/(1+rs)
	if err := checkFinite(rsi); err != nil {
		return 0, err
	}
	return rsi, nil
}

// EMA returns the exponential moving average of values with α = 2/(period+1),
// seeded with the simple average of the first period values. The result has
// len(values)-period+1 elements; element 0 lines up with values[period-1].
func EMA(values []float64, period int) ([]float64, error) {
	if period < 1 {
		return nil, fmt.Errorf("ema period %d", period)
	}
	if len(values) < period {
		return nil, ErrInsufficientHistory
	}

	out := make([]float64, 0, len(values)-period+1)
	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	current := sum / float64(period)
	out = append(out, current)

	alpha := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		current = alpha*v + (1-alpha)*current
		out = append(out, current)
	}
	return out, nil
}

// MACDResult holds the last two MACD and signal line values.
type MACDResult struct {
	MACD       float64
	Signal     float64
	PrevMACD   float64
	PrevSignal float64
}

// MACD computes EMA_fast - EMA_slow and its signal line, returning the values
// at the last two bars.
func MACD(closes []float64, fast, slow, signal int) (MACDResult, error) {
	if fast < 1 || slow <= fast || signal < 1 {
		return MACDResult{}, fmt.Errorf("macd periods %d/%d/%d", fast, slow, signal)
	}
	if len(closes) < slow+signal {
		return MACDResult{}, ErrInsufficientHistory
	}

	fastEMA, err := EMA(closes, fast)
	if err != nil {
		return MACDResult{}, err
	}
	slowEMA, err := EMA(closes, slow)
	if err != nil {
		return MACDResult{}, err
	}

	// slowEMA[j] and fastEMA[j+offset] both belong to closes[slow-1+j]
	offset := slow - fast
	line := make([]float64, len(slowEMA))
	for j := range slowEMA {
		line[j] = fastEMA[j+offset] - slowEMA[j]
	}

	signalLine, err := EMA(line, signal)
	if err != nil {
		return MACDResult{}, err
	}

	n, s := len(line), len(signalLine)
	return MACDResult{
		MACD:       line[n-1],
		PrevMACD:   line[n-2],
		Signal:     signalLine[s-1],
		PrevSignal: signalLine[s-2],
	}, nil
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func checkFinite(values ...float64) error {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	return nil
}
