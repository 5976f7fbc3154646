package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, level LogLevel) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewZapLogger(LogConfig{Level: level, Output: &buf})
	require.NoError(t, err)
	return logger, &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"Warn", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLevel(tt.input), "input=%q", tt.input)
	}
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", DebugLevel.String())
	assert.Equal(t, "INFO", InfoLevel.String())
	assert.Equal(t, "WARN", WarnLevel.String())
	assert.Equal(t, "ERROR", ErrorLevel.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestZapAdapter_Levels(t *testing.T) {
	logger, buf := newTestLogger(t, WarnLevel)

	logger.Debug("not logged")
	logger.Info("not logged either")
	logger.Warn("warned", String("key", "value"))
	logger.Error("failed", errors.New("boom"))

	out := buf.String()
	assert.NotContains(t, out, "not logged")
	assert.Contains(t, out, "warned")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "boom")
}

func TestZapAdapter_WithFields(t *testing.T) {
	logger, buf := newTestLogger(t, InfoLevel)

	logger.WithFields(String("adapter_id", "a1")).Info("token refreshed")

	assert.Contains(t, buf.String(), "adapter_id")
	assert.Contains(t, buf.String(), "a1")
}

func TestZapAdapter_WithContext(t *testing.T) {
	logger, buf := newTestLogger(t, InfoLevel)

	ctx := context.WithValue(context.Background(), "request_id", "req-42")
	logger.WithContext(ctx).Info("gate decision")

	assert.Contains(t, buf.String(), "req-42")
}

func TestGlobalLogger(t *testing.T) {
	logger, _ := newTestLogger(t, InfoLevel)
	SetGlobalLogger(logger)

	assert.Equal(t, logger, GetGlobalLogger())
}
