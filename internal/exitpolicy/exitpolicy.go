package exitpolicy

import (
	"equity-signal-bot-go/internal/models"
	"time"

	"github.com/shopspring/decimal"
)

// Rules are the exit thresholds.
type Rules struct {
	StopLossPct     float64
	ProfitTargetPct float64
	MaxHoldDays     int
	RSIOverbought   float64
	Location        *time.Location // calendar for the holding period
}

// RulesFromConfig extracts the exit thresholds from cfg.
func RulesFromConfig(cfg *models.Config) Rules {
	return Rules{
		StopLossPct:     cfg.StopLossPct,
		ProfitTargetPct: cfg.ProfitTargetPct,
		MaxHoldDays:     cfg.MaxHoldDays,
		RSIOverbought:   cfg.RSIOverbought,
		Location:        cfg.Location(),
	}
}

// Evaluate checks pos against the exit rules in priority order and returns the
// first that matches. snap may be nil when the symbol lacks enough history; the
// indicator rules are then skipped.
func Evaluate(pos models.Position, price float64, snap *models.IndicatorSnapshot, now time.Time, r Rules) (models.ExitReason, bool) {
	avg := decimal.NewFromFloat(pos.AveragePrice)
	if avg.IsPositive() && price > 0 {
		// compare price-avg against pct×avg so the boundary needs no division
		diff := decimal.NewFromFloat(price).Sub(avg)
		if diff.LessThanOrEqual(decimal.NewFromFloat(r.StopLossPct).Mul(avg).Neg()) {
			return models.ExitStopLoss, true
		}
		if diff.GreaterThanOrEqual(decimal.NewFromFloat(r.ProfitTargetPct).Mul(avg)) {
			return models.ExitProfitTarget, true
		}
	}

	if r.MaxHoldDays > 0 && !pos.EntryDate.IsZero() && CalendarDays(pos.EntryDate, now, r.Location) >= r.MaxHoldDays {
		return models.ExitMaxHold, true
	}

	if snap == nil {
		return "", false
	}
	if snap.RSI > r.RSIOverbought {
		return models.ExitRSIOverbought, true
	}
	if snap.BearishCross() {
		return models.ExitMACDBearish, true
	}
	return "", false
}

// CalendarDays counts the date changes between from and to on the calendar
// of loc. It ignores the time of day: Friday 15:59 to Monday 09:30 is 3.
func CalendarDays(from, to time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	a := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}
