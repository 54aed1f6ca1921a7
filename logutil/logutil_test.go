package logutil

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("walked layers", "count", 3)
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "source=logutil_test.go:")
	assert.Contains(t, out, "count=3")
}

func TestTraceDisabled(t *testing.T) {
	var buf bytes.Buffer

	prev := slog.Default()
	slog.SetDefault(NewLogger(&buf, Level(true, false)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Trace("hidden")
	slog.Debug("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Level(false, false))
	assert.Equal(t, slog.LevelDebug, Level(true, false))
	assert.Equal(t, LevelTrace, Level(true, true))
}
