package temporal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapAdapterRedactsTaskTokens(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapAdapter(zap.New(core))

	logger.Info("completing", "TaskToken", []byte("secret"), "ActivityID", "a-1")
	log.With(logger, "task_token", "secret").Warn("heartbeat", "Namespace", "default")

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, redacted, first["TaskToken"])
	assert.Equal(t, "a-1", first["ActivityID"])

	second := entries[1].ContextMap()
	assert.Equal(t, redacted, second["task_token"])
	assert.Equal(t, "default", second["Namespace"])
}

func TestZapAdapterUnserializableValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapAdapter(zap.New(core))

	logger.Debug("odd values", "fn", func() {}, "ch", make(chan int), "nil", nil, "dangling")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "<func>", fields["fn"])
	assert.Equal(t, "<chan>", fields["ch"])
	assert.Equal(t, "<nil>", fields["nil"])
	assert.NotContains(t, fields, "dangling")
}
