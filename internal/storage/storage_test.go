package storage

import (
	"equity-signal-bot-go/internal/models"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestJournal_Fills(t *testing.T) {
	j, _ := openJournal(t)
	at := time.Date(2025, 6, 2, 15, 30, 0, 123, time.UTC)

	buy := FillRecord{ClientOrderID: "buy-ce-1", OrderID: "o-1", Symbol: "CE", Side: models.Buy, Quantity: 23, Price: 42.21, Reason: "rsi_oversold", CycleID: 1, FilledAt: at}
	sell := FillRecord{ClientOrderID: "sell-ce-2", OrderID: "o-2", Symbol: "CE", Side: models.Sell, Quantity: 23, Price: 44.5, Reason: "profit_target", CycleID: 4, FilledAt: at.Add(time.Hour)}
	other := FillRecord{ClientOrderID: "buy-aiv-3", OrderID: "o-3", Symbol: "AIV", Side: models.Buy, Quantity: 100, Price: 5, Reason: "macd_bullish_cross", CycleID: 1, FilledAt: at.Add(time.Minute)}

	require.NoError(t, j.RecordFill(sell))
	require.NoError(t, j.RecordFill(buy))
	require.NoError(t, j.RecordFill(other))
	require.NoError(t, j.RecordFill(buy), "duplicate client order ids are ignored")

	fills, err := j.Fills("CE")
	require.NoError(t, err)
	assert.Equal(t, []FillRecord{buy, sell}, fills)

	all, err := j.Fills("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestJournal_Trades(t *testing.T) {
	j, _ := openJournal(t)
	entry := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	rec := models.TradeHistoryRecord{
		Symbol: "MSFT", Quantity: 2, EntryPrice: 400, ExitPrice: 368,
		EntryDate: entry, ExitDate: entry.AddDate(0, 0, 3),
		ExitReason: models.ExitStopLoss, RealizedReturn: -0.08, OrderID: "o-9",
	}
	require.NoError(t, j.RecordTrade(rec))

	trades, err := j.Trades()
	require.NoError(t, err)
	assert.Equal(t, []models.TradeHistoryRecord{rec}, trades)
}

func TestJournal_NextCycleIDSurvivesReopen(t *testing.T) {
	j, path := openJournal(t)

	for want := int64(1); want <= 3; want++ {
		got, err := j.NextCycleID()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, j.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.NextCycleID()
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)
}
