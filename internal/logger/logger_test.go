package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	log, err := New("debug", "json")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = New("warn", "console")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestNewWithConfig_InvalidLevel(t *testing.T) {
	_, err := NewWithConfig(&Config{Level: "loud"})
	assert.Error(t, err)

	_, err = NewWithConfig(nil)
	assert.Error(t, err)
}

func TestNewWithConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	log, err := NewWithConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
}

func TestContextRoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core)

	ctx := WithLogger(context.Background(), log)
	FromContext(ctx).Info("hello")
	assert.Equal(t, 1, logs.Len())

	// Missing logger falls back to no-op
	assert.NotNil(t, FromContext(context.Background()))
	//nolint:staticcheck // nil context is handled explicitly
	assert.NotNil(t, FromContext(nil))
}

func TestFieldHelpers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core)

	WithTask(WithEntity(WithComponent(log, "fetcher"), 8453, "0xabc"), "task-1").Info("walk")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "fetcher", fields["component"])
	assert.Equal(t, int64(8453), fields["chain_id"])
	assert.Equal(t, "0xabc", fields["entity"])
	assert.Equal(t, "task-1", fields["task_id"])

	// nil loggers never panic
	WithComponent(nil, "x").Info("ignored")
}
