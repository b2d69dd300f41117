package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuisNSantana/cleo-agent-sub013/types"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestZapSink_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZapSink(&buf)

	ctx := types.WithTraceID(context.Background(), "trace-1")
	ctx = types.WithUserID(ctx, "u-1")

	require.NoError(t, sink.Record(ctx, &Entry{
		Level:       LevelInfo,
		Event:       EventStateChanged,
		ExecutionID: "exec-1",
		AgentID:     "cleo",
		State:       "running",
		Data:        map[string]any{"from": "pending_bootstrap"},
	}))
	require.NoError(t, sink.Record(ctx, &Entry{
		Level:       LevelWarn,
		Event:       EventCircuitRejected,
		ExecutionID: "exec-1",
		AgentID:     "emma",
	}))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)

	first := lines[0]
	assert.Equal(t, "state_changed", first["event"])
	assert.Equal(t, "info", first["level"])
	assert.Equal(t, "trace-1", first["trace_id"])
	assert.Equal(t, "exec-1", first["execution_id"])
	assert.Equal(t, "cleo", first["agent_id"])
	assert.Equal(t, "u-1", first["user_id"])
	assert.Equal(t, "running", first["state"])
	assert.NotEmpty(t, first["ts"])
	assert.Equal(t, map[string]any{"from": "pending_bootstrap"}, first["data"])
	assert.NotContains(t, first, "thread_id")

	assert.Equal(t, "warn", lines[1]["level"])
	assert.NotContains(t, lines[1], "state")
}

func TestZapSink_UsesEntryTimestamp(t *testing.T) {
	var buf bytes.Buffer
	sink := NewZapSink(&buf)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Record(context.Background(), &Entry{Event: "x", Timestamp: ts}))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0]["ts"], "2025-03-01T12:00:00")
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink(3)
	ctx := types.WithExecutionID(context.Background(), "e1")

	for _, ev := range []string{"a", "b", "c", "d"} {
		require.NoError(t, sink.Record(ctx, &Entry{Event: ev}))
	}
	require.NoError(t, sink.Record(context.Background(), &Entry{Event: "other", ExecutionID: "e2"}))

	assert.Equal(t, []string{"c", "d"}, sink.Events("e1"))
	assert.Equal(t, []string{"other"}, sink.Events("e2"))
	assert.Len(t, sink.Entries(""), 3)
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	assert.NoError(t, s.Record(context.Background(), &Entry{Event: "x"}))
}
