package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.LaneKey != "" {
		lc = lc.Str("lane", tc.LaneKey)
	}
	if tc.EntityID != "" {
		lc = lc.Str("entity_id", tc.EntityID)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return baseLogger
	}
	return PropagateToLogger(ctx, baseLogger)
}

// Detach copies tracing values onto a fresh background context. Work handed to
// another component (a lane, a timer) keeps its IDs without inheriting the
// caller's cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.RunID != "" {
		out = WithRunID(out, tc.RunID)
	}
	if tc.AgentID != "" {
		out = WithAgentID(out, tc.AgentID)
	}
	if tc.LaneKey != "" {
		out = WithLaneKey(out, tc.LaneKey)
	}
	if tc.EntityID != "" {
		out = WithEntityID(out, tc.EntityID)
	}
	return out
}
