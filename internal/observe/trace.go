package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/MrWong99/voiceloop"

// Span attribute keys for session scoped work.
const (
	AttrSessionID = attribute.Key("voiceloop.session.id")
	AttrAgentID   = attribute.Key("voiceloop.agent.id")
)

type sessionKey struct{}

type sessionScope struct {
	sessionID string
	agentID   string
}

// WithSession tags ctx with a voice session. Spans started from the
// returned context carry the session and agent IDs, and [Logger] adds them
// to every record.
func WithSession(ctx context.Context, sessionID, agentID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionScope{sessionID: sessionID, agentID: agentID})
}

// SessionID returns the session tagged by [WithSession], or "".
func SessionID(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(sessionScope)
	return s.sessionID
}

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if s, ok := ctx.Value(sessionKey{}).(sessionScope); ok {
		opts = append(opts, trace.WithAttributes(
			AttrSessionID.String(s.sessionID),
			AttrAgentID.String(s.agentID),
		))
	}
	return otel.Tracer(scope).Start(ctx, name, opts...)
}

// TraceID is the hex trace ID of the span in ctx, or "" outside a trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger enriched with what ctx knows: the
// session tagged by [WithSession] and the active trace.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if s, ok := ctx.Value(sessionKey{}).(sessionScope); ok {
		attrs = append(attrs, slog.String("session_id", s.sessionID), slog.String("agent_id", s.agentID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
