package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "info", Format: "json", Writer: &buf})
	require.NoError(t, err)

	logger.Info("request forwarded", String("service", "flights"), Int("status", 200))
	logger.Debug("suppressed")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "request forwarded", entry["message"])
	assert.Equal(t, "flights", entry["service"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_SetLevelSharedWithChildren(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "info", Writer: &buf})
	require.NoError(t, err)

	child := logger.With(String("component", "health"))
	child.Debug("before")
	assert.Empty(t, buf.String())

	require.NoError(t, logger.SetLevel("debug"))
	assert.Equal(t, "debug", child.Level())

	child.Debug("after")
	assert.Contains(t, buf.String(), `"component":"health"`)
	assert.Contains(t, buf.String(), "after")

	assert.Error(t, logger.SetLevel("nope"))
	assert.Equal(t, "debug", logger.Level())
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "info", Writer: &buf})
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTraceID(ctx, "trace-1")

	logger.WithContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"trace_id":"trace-1"`)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))

	// Without context fields the same logger is returned.
	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestDefaultLogConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, "info", logger.Level())
}
