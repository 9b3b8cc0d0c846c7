package signals

import (
	"equity-signal-bot-go/internal/models"
	"math"
	"sort"
)

// Triggering rule names.
const (
	RuleRSIOversold    = "rsi_oversold"
	RuleMACDBullish    = "macd_bullish_cross"
	RuleRSIOverbought  = "rsi_overbought"
	RuleMACDBearish    = "macd_bearish_cross"
	ruleJoin           = "+"
	defaultMACDScale   = 0.5
	maxConfidenceValue = 1.0
)

// Thresholds parameterize signal generation.
type Thresholds struct {
	Oversold   float64
	Overbought float64
	MACDScale  float64 // MACD-signal gap mapped to full MACD confidence
}

// ThresholdsFromConfig extracts the signal thresholds from cfg.
func ThresholdsFromConfig(cfg *models.Config) Thresholds {
	return Thresholds{
		Oversold:   cfg.RSIOversold,
		Overbought: cfg.RSIOverbought,
		MACDScale:  cfg.MACDConfidenceScale,
	}
}

// Generate turns one indicator snapshot into at most one signal. RSI and
// MACD conditions are OR-ed per side. When both sides fire the more confident
// one wins and a tie goes to SELL.
func Generate(snap models.IndicatorSnapshot, th Thresholds) (models.Signal, bool) {
	buy, buyOK := buySide(snap, th)
	sell, sellOK := sellSide(snap, th)

	switch {
	case buyOK && sellOK:
		if buy.Confidence > sell.Confidence {
			return buy, true
		}
		return sell, true
	case buyOK:
		return buy, true
	case sellOK:
		return sell, true
	}
	return models.Signal{}, false
}

func buySide(snap models.IndicatorSnapshot, th Thresholds) (models.Signal, bool) {
	var rsiPart, macdPart float64
	var rules []string

	if snap.RSI < th.Oversold {
		rsiPart = (th.Oversold - snap.RSI) / th.Oversold
		rules = append(rules, RuleRSIOversold)
	}
	if snap.BullishCross() {
		macdPart = macdConfidence(snap, th)
		rules = append(rules, RuleMACDBullish)
	}
	if len(rules) == 0 {
		return models.Signal{}, false
	}
	return newSignal(snap, models.Buy, rsiPart+macdPart, rules), true
}

func sellSide(snap models.IndicatorSnapshot, th Thresholds) (models.Signal, bool) {
	var rsiPart, macdPart float64
	var rules []string

	if snap.RSI > th.Overbought {
		rsiPart = (snap.RSI - th.Overbought) / (100 - th.Overbought)
		rules = append(rules, RuleRSIOverbought)
	}
	if snap.BearishCross() {
		macdPart = macdConfidence(snap, th)
		rules = append(rules, RuleMACDBearish)
	}
	if len(rules) == 0 {
		return models.Signal{}, false
	}
	return newSignal(snap, models.Sell, rsiPart+macdPart, rules), true
}

func macdConfidence(snap models.IndicatorSnapshot, th Thresholds) float64 {
	scale := th.MACDScale
	if scale <= 0 {
		scale = defaultMACDScale
	}
	return math.Min(math.Abs(snap.MACD-snap.Signal)/scale, maxConfidenceValue)
}

func newSignal(snap models.IndicatorSnapshot, side models.Side, confidence float64, rules []string) models.Signal {
	rule := rules[0]
	for _, r := range rules[1:] {
		rule += ruleJoin + r
	}
	return models.Signal{
		Symbol:         snap.Symbol,
		Side:           side,
		Confidence:     clamp(confidence),
		TriggeringRule: rule,
		Price:          snap.Close,
		Timestamp:      snap.BarTime,
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(maxConfidenceValue, v))
}

// RankBuys keeps BUY signals with confidence above minConfidence and orders them
// by confidence descending, then symbol ascending.
func RankBuys(all []models.Signal, minConfidence float64) []models.Signal {
	buys := make([]models.Signal, 0, len(all))
	for _, s := range all {
		if s.Side == models.Buy && s.Confidence > minConfidence {
			buys = append(buys, s)
		}
	}
	SortByConfidence(buys)
	return buys
}

// SortByConfidence orders signals by confidence descending with the symbol as
// a tie-break, giving a total order.
func SortByConfidence(sigs []models.Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].Confidence != sigs[j].Confidence {
			return sigs[i].Confidence > sigs[j].Confidence
		}
		return sigs[i].Symbol < sigs[j].Symbol
	})
}
