package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetLaneKey(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithAgentID(ctx, "elder")
	ctx = WithLaneKey(ctx, "elder")
	ctx = WithEntityID(ctx, "npc-7")

	tc := FromContext(ctx)
	assert.Equal(t, &TraceContext{
		TraceID:  "trace-1",
		RunID:    "run-1",
		AgentID:  "elder",
		LaneKey:  "elder",
		EntityID: "npc-7",
	}, tc)
}

func TestNewAgentRunContext(t *testing.T) {
	t.Run("keeps existing trace", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		ctx = NewAgentRunContext(ctx, "elder")

		assert.Equal(t, "trace-1", GetTraceID(ctx))
		assert.Equal(t, "elder", GetAgentID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
	})

	t.Run("creates trace when missing", func(t *testing.T) {
		ctx := NewAgentRunContext(context.Background(), "elder")
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestDetachDropsCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(WithAgentID(context.Background(), "elder"))
	cancel()

	detached := Detach(parent)

	assert.NoError(t, detached.Err())
	assert.Equal(t, "elder", GetAgentID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithRunID(WithAgentID(context.Background(), "elder"), "run-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"agent_id":"elder"`)
	assert.Contains(t, out, `"run_id":"run-9"`)
	assert.NotContains(t, out, "trace_id")
}
