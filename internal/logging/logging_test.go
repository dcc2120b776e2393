package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter("info", FormatJSON, &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("claimed", zap.Int64("task", 7))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "claimed", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 7, entry["task"])
	assert.Contains(t, entry, "ts")
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter("DEBUG", FormatConsole, &buf)
	require.NoError(t, err)
	l.Debug("starting worker", zap.String("worker", "w1"))
	assert.Contains(t, buf.String(), "starting worker")
	assert.Contains(t, buf.String(), `"worker": "w1"`)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("loud", FormatJSON)
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestForTask(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ForTask(zap.New(core), 3, "20260301-add-login").Info("running")
	ForTask(zap.New(core), 4, "").Info("queued")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"task": int64(3), "task_id": "20260301-add-login"}, entries[0].ContextMap())
	assert.Equal(t, map[string]any{"task": int64(4)}, entries[1].ContextMap())
}
