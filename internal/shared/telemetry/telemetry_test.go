package telemetry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInfoWritesSortedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })

	Info("analysis.completed", map[string]any{
		"request_id": "r1",
		"chunks":     2,
		"err":        errors.New("boom"),
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "analysis.completed", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)

	keys := make([]string, 0, len(entries[0].Context))
	for _, f := range entries[0].Context {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"chunks", "err", "request_id"}, keys)
	assert.Equal(t, "boom", entries[0].ContextMap()["err"])
}

func TestLevelsRespectCore(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })

	Debug("hidden", nil)
	Info("hidden", nil)
	Warn("shown", nil)
	Error("shown", nil)
	assert.Equal(t, 2, logs.Len())
}
