package logger

import (
	"equity-signal-bot-go/internal/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	log := New(models.LogConfig{Level: "warn", Output: "file", File: path, MaxSize: 1})

	log.Info("hidden below the level")
	log.Warn("exit order rejected", zap.String("symbol", "CE"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "exit order rejected")
	assert.Contains(t, out, `"symbol": "CE"`)
	assert.NotContains(t, out, "hidden below the level")
	assert.NotContains(t, out, "\x1b[", "file output carries no color codes")
}

func TestInitLogger_InstallsGlobal(t *testing.T) {
	prev := baseLogger
	t.Cleanup(func() { baseLogger = prev })

	baseLogger = nil
	assert.NotNil(t, L(), "a fallback exists before InitLogger")

	log := InitLogger(models.LogConfig{Level: "bogus", Output: "console"})
	assert.Same(t, log, L())
	assert.True(t, log.Core().Enabled(zap.InfoLevel), "unknown levels fall back to info")
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
	assert.NotNil(t, S())
}
