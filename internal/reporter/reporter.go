package reporter

import (
	"equity-signal-bot-go/internal/models"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Summary holds the portfolio figures derived from a bot state.
type Summary struct {
	OpenPositions    int
	InvestedCapital  float64 // sum of quantity×average_price over open positions
	CapitalAvailable float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64 // percent
	AvgReturn        float64 // mean realized return, fraction
	RealizedPnL      float64
	LastScan         time.Time
	LastUpdate       time.Time
}

// Summarize computes the portfolio summary of state.
func Summarize(state *models.BotState) Summary {
	s := Summary{
		OpenPositions:    len(state.OpenPositions),
		CapitalAvailable: state.CapitalAvailable,
		TotalTrades:      len(state.TradeHistory),
		LastScan:         state.LastScanTimestamp,
		LastUpdate:       state.LastUpdateTime,
	}

	invested := decimal.Zero
	for _, pos := range state.OpenPositions {
		invested = invested.Add(decimal.NewFromInt(int64(pos.Quantity)).Mul(decimal.NewFromFloat(pos.AveragePrice)))
	}
	s.InvestedCapital = invested.InexactFloat64()

	pnl := decimal.Zero
	returns := decimal.Zero
	for _, trade := range state.TradeHistory {
		if trade.RealizedReturn > 0 {
			s.WinningTrades++
		} else {
			s.LosingTrades++
		}
		returns = returns.Add(decimal.NewFromFloat(trade.RealizedReturn))
		diff := decimal.NewFromFloat(trade.ExitPrice).Sub(decimal.NewFromFloat(trade.EntryPrice))
		pnl = pnl.Add(diff.Mul(decimal.NewFromInt(int64(trade.Quantity))))
	}
	s.RealizedPnL = pnl.InexactFloat64()

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
		s.AvgReturn = returns.Div(decimal.NewFromInt(int64(s.TotalTrades))).InexactFloat64()
	}
	return s
}

// Render writes the status report of state to w: the summary, the open
// positions and the most recent closed trades (at most recent of them).
func Render(w io.Writer, state *models.BotState, recent int) error {
	s := Summarize(state)

	summary := table.NewWriter()
	summary.SetTitle(fmt.Sprintf("Bot %s", state.BotID))
	summary.SetStyle(table.StyleLight)
	summary.AppendRows([]table.Row{
		{"Capital available", money(s.CapitalAvailable)},
		{"Invested capital", money(s.InvestedCapital)},
		{"Open positions", s.OpenPositions},
		{"Closed trades", s.TotalTrades},
		{"Win rate", fmt.Sprintf("%.2f%% (%d/%d)", s.WinRate, s.WinningTrades, s.TotalTrades)},
		{"Average return", percent(s.AvgReturn)},
		{"Realized P&L", money(s.RealizedPnL)},
		{"Last scan", stamp(s.LastScan)},
		{"Last update", stamp(s.LastUpdate)},
	})
	if _, err := fmt.Fprintln(w, summary.Render()); err != nil {
		return err
	}

	positions := table.NewWriter()
	positions.SetTitle("Open positions")
	positions.SetStyle(table.StyleLight)
	positions.AppendHeader(table.Row{"Symbol", "Qty", "Avg price", "Notional", "Entry"})
	symbols := make([]string, 0, len(state.OpenPositions))
	for symbol := range state.OpenPositions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		pos := state.OpenPositions[symbol]
		positions.AppendRow(table.Row{pos.Symbol, pos.Quantity, money(pos.AveragePrice), money(pos.Notional()), stamp(pos.EntryDate)})
	}
	positions.AppendFooter(table.Row{"", "", "Total", money(s.InvestedCapital), ""})
	if _, err := fmt.Fprintln(w, positions.Render()); err != nil {
		return err
	}

	if len(state.TradeHistory) == 0 || recent <= 0 {
		return nil
	}
	trades := table.NewWriter()
	trades.SetTitle("Recent trades")
	trades.SetStyle(table.StyleLight)
	trades.AppendHeader(table.Row{"Symbol", "Qty", "Entry", "Exit", "Return", "Reason", "Closed"})
	history := state.TradeHistory
	if len(history) > recent {
		history = history[len(history)-recent:]
	}
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		trades.AppendRow(table.Row{t.Symbol, t.Quantity, money(t.EntryPrice), money(t.ExitPrice), percent(t.RealizedReturn), string(t.ExitReason), stamp(t.ExitDate)})
	}
	_, err := fmt.Fprintln(w, trades.Render())
	return err
}

func money(v float64) string {
	return "$" + decimal.NewFromFloat(v).StringFixed(2)
}

func percent(v float64) string {
	return decimal.NewFromFloat(v * 100).StringFixed(2) + "%"
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04 MST")
}
