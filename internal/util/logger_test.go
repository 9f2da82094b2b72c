package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoggerConfigLevels(t *testing.T) {
	cfg, err := loggerConfig(LogOptions{Env: "production"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level.Level())
	assert.Equal(t, "json", cfg.Encoding)

	cfg, err = loggerConfig(LogOptions{Env: "development", Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())

	_, err = loggerConfig(LogOptions{Level: "chatty"})
	assert.Error(t, err)
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	before := GetLogger()
	assert.Error(t, InitLogger(LogOptions{Service: "stock-service", Level: "chatty"}))
	assert.Same(t, before, GetLogger())
}

func TestInitLoggerAppliesLevel(t *testing.T) {
	require.NoError(t, InitLogger(LogOptions{Service: "stock-service", Env: "production", Level: "error"}))
	assert.False(t, GetLogger().Core().Enabled(zapcore.WarnLevel))
	assert.True(t, GetLogger().Core().Enabled(zapcore.ErrorLevel))
}
