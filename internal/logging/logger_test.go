package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestJSONFormatWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	logger.WithFields(map[string]any{"sid": "abc"}).WithComponent("manager").Debug("connected")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "connected", rec["msg"])
	assert.Equal(t, "abc", rec["sid"])
	assert.Equal(t, "manager", rec["component"])
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestContextRoundTrip(t *testing.T) {
	logger := Discard()
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx, nil))

	fallback := Discard()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))
	assert.NotNil(t, FromContext(context.Background(), nil))
}

func TestAnnotateCarriesFieldsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	ctx, reqLogger := Annotate(context.Background(), base, "request_id", "r1")
	ctx, sessLogger := Annotate(ctx, nil, "sid", "s1")

	assert.Same(t, sessLogger, FromContext(ctx, nil))
	assert.NotSame(t, reqLogger, sessLogger)

	FromContext(ctx, nil).Info("hello")
	assert.Contains(t, buf.String(), `"request_id":"r1"`)
	assert.Contains(t, buf.String(), `"sid":"s1"`)
}
