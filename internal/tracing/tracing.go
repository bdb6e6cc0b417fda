// Package tracing provides trace ID generation and context propagation for
// structured logging across the monitor and trading engine.
//
// A trace ID attached to an operation lets that operation's log lines be
// correlated. It travels via context.Context and is included as a zerolog
// structured field. The monitor, router and trading engine packages do not
// call these helpers, so their log lines carry no trace ID.
package tracing

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// TraceIDField is the zerolog field name used for trace IDs.
	TraceIDField = "trace_id"
)

// NewTraceID generates a cryptographically random 16-character hex trace ID.
func NewTraceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return fmt.Sprintf("%x", b)
}

// WithTraceID returns a new context carrying the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromCtx extracts the trace ID from context, or "" if absent.
func TraceIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger returns a zerolog sub-logger carrying the trace ID from ctx, or the
// global logger unchanged if ctx has none.
//
// Usage:
//
//	tracing.Logger(ctx).Info().Str("symbol", pair.Symbol).Msg("tick started")
func Logger(ctx context.Context) zerolog.Logger {
	traceID := TraceIDFromCtx(ctx)
	if traceID == "" {
		return log.Logger
	}
	return log.With().Str(TraceIDField, traceID).Logger()
}
