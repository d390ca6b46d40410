package shared

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core)).With(zap.String("session_id", "s1"))

	logger.Error("setup failed", errors.New("no mic"))
	logger.Warn("retrying", zap.Int("attempt", 2))
	logger.Info("ringing")
	logger.Trace("candidate")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "no mic", entries[0].ContextMap()["error"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["attempt"])
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
	for _, e := range entries {
		assert.Equal(t, "s1", e.ContextMap()["session_id"])
	}
}

func TestLoggerConstructors(t *testing.T) {
	assert.NotNil(t, NewZapLogger(nil))
	NewNopLogger().Error("dropped", errors.New("x"))

	logger := NewFileLogger(filepath.Join(t.TempDir(), "call.log"), 1, 1, 1, false)
	logger.Info("written")
}
