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

func TestContextIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, InstanceID(ctx))
	assert.Empty(t, ActivityID(ctx))
	assert.Empty(t, CorrelationID(ctx))

	ctx = WithIDs(ctx, "wf-1", "task", "corr-9")
	assert.Equal(t, "wf-1", InstanceID(ctx))
	assert.Equal(t, "task", ActivityID(ctx))
	assert.Equal(t, "corr-9", CorrelationID(ctx))
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "wf-1", "review", "corr-9")
	logger.InfoContext(ctx, "checkpoint written", "reason", "activity_done")

	m := logLine(t, &buf)
	assert.Equal(t, "checkpoint written", m["msg"])
	assert.Equal(t, "wf-1", m["instance_id"])
	assert.Equal(t, "review", m["activity_id"])
	assert.Equal(t, "corr-9", m["correlation_id"])
	assert.Equal(t, "activity_done", m["reason"])
}

func TestCorrelationHandlerOmitsAbsentIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithInstanceID(context.Background(), "wf-2")
	logger.InfoContext(ctx, "started")

	m := logLine(t, &buf)
	assert.Equal(t, "wf-2", m["instance_id"])
	assert.NotContains(t, m, "activity_id")
	assert.NotContains(t, m, "correlation_id")
}

func TestCorrelationHandlerPreservesWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithInstanceID(context.Background(), "wf-3")
	logger.With("worker_id", "node-1").WithGroup("sweep").InfoContext(ctx, "tick", "claimed", 2)

	m := logLine(t, &buf)
	assert.Equal(t, "node-1", m["worker_id"])
	group, ok := m["sweep"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), group["claimed"])
}
