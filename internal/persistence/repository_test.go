package persistence

import (
	"equity-signal-bot-go/internal/models"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *models.BotState {
	entry := time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	state := models.NewBotState("bot-1", 7542.13, map[string][]string{
		"oversold": {"ACVA", "AIV", "CE"},
		"momentum": {"AAPL"},
	})
	state.OpenPositions["CE"] = &models.Position{Symbol: "CE", Quantity: 23, AveragePrice: 42.21, EntryDate: entry, Status: models.StatusOpen}
	state.OpenPositions["AAPL"] = &models.Position{Symbol: "AAPL", Quantity: 4, AveragePrice: 232.97, EntryDate: entry, Status: models.StatusOpen}
	state.TradeHistory = append(state.TradeHistory, models.TradeHistoryRecord{
		Symbol: "MSFT", Quantity: 2, EntryPrice: 400, ExitPrice: 368, EntryDate: entry.AddDate(0, 0, -3),
		ExitDate: entry, ExitReason: models.ExitStopLoss, RealizedReturn: -0.08, OrderID: "o-9",
	})
	state.LastScanTimestamp = entry.Add(5 * time.Minute)
	state.LastUpdateTime = entry.Add(6 * time.Minute)
	return state
}

func assertRoundTrip(t *testing.T, repo StateRepository) {
	t.Helper()

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, loaded, "empty repository returns no state")

	want := sampleState()
	require.NoError(t, repo.SaveState(want))

	got, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a second save replaces the first
	delete(want.OpenPositions, "AAPL")
	require.NoError(t, repo.SaveState(want))
	got, err = repo.LoadState()
	require.NoError(t, err)
	assert.Len(t, got.OpenPositions, 1)
}

func TestBadgerRepository_RoundTrip(t *testing.T) {
	repo, err := NewBadgerRepository(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer repo.Close()

	assertRoundTrip(t, repo)
}

func TestBadgerRepository_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)
	require.NoError(t, repo.SaveState(sampleState()))
	require.NoError(t, repo.Close())

	repo, err = NewBadgerRepository(dir)
	require.NoError(t, err)
	defer repo.Close()

	got, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)
}

func TestInMemoryBadgerRepository(t *testing.T) {
	repo, err := NewInMemoryBadgerRepository()
	require.NoError(t, err)
	defer repo.Close()

	assertRoundTrip(t, repo)
}

func TestFileRepository_RoundTrip(t *testing.T) {
	repo, err := NewFileRepository(filepath.Join(t.TempDir(), "nested", "bot_state.json"))
	require.NoError(t, err)
	defer repo.Close()

	assertRoundTrip(t, repo)
}

func TestFileRepository_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot_state.json")
	repo, err := NewFileRepository(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.SaveState(sampleState()))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bot_state.json", entries[0].Name())
}

func TestFileRepository_ReplacesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	repo, err := NewFileRepository(path)
	require.NoError(t, err)

	state := sampleState()
	require.NoError(t, repo.SaveState(state))
	state.CapitalAvailable = 100
	require.NoError(t, repo.SaveState(state))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	assert.Equal(t, 100.0, loaded.CapitalAvailable)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestReadSnapshot_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := ReadSnapshot(path)
	assert.Error(t, err)
}

type failingRepo struct {
	saves int
	err   error
}

func (f *failingRepo) SaveState(*models.BotState) error {
	f.saves++
	return f.err
}
func (f *failingRepo) LoadState() (*models.BotState, error) { return nil, f.err }
func (f *failingRepo) Close() error                         { return f.err }

func TestMultiRepository(t *testing.T) {
	primary, err := NewInMemoryBadgerRepository()
	require.NoError(t, err)
	mirror, err := NewFileRepository(filepath.Join(t.TempDir(), "bot_state.json"))
	require.NoError(t, err)

	multi := NewMultiRepository(primary, mirror)
	defer multi.Close()
	assertRoundTrip(t, multi)

	mirrored, err := mirror.LoadState()
	require.NoError(t, err)
	assert.Len(t, mirrored.OpenPositions, 1)
}

func TestMultiRepository_PrimaryFailureStopsFanOut(t *testing.T) {
	boom := errors.New("disk full")
	primary := &failingRepo{err: boom}
	mirror := &failingRepo{}

	multi := NewMultiRepository(primary, mirror)
	err := multi.SaveState(sampleState())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, mirror.saves)
	assert.ErrorIs(t, multi.Close(), boom)
}
