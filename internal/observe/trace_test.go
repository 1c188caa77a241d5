package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider as the global one.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartSpan_CarriesSession(t *testing.T) {
	exp := recordSpans(t)

	ctx := WithSession(context.Background(), "sess-1", "pizza")
	_, span := StartSpan(ctx, "speech.synthesize")
	span.End()
	_, bare := StartSpan(context.Background(), "startup")
	bare.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	attrs := map[string]string{}
	for _, a := range spans[0].Attributes {
		attrs[string(a.Key)] = a.Value.AsString()
	}
	if attrs[string(AttrSessionID)] != "sess-1" || attrs[string(AttrAgentID)] != "pizza" {
		t.Errorf("session span attributes = %v", attrs)
	}
	if n := len(spans[1].Attributes); n != 0 {
		t.Errorf("span outside a session has %d attributes", n)
	}
}

func TestTraceID(t *testing.T) {
	recordSpans(t)

	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID outside a span = %q", got)
	}
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn")
		id := TraceID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("TraceID = %q, want 32 hex digits", id)
		}
		if seen[id] {
			t.Fatalf("trace ID %s reused", id)
		}
		seen[id] = true
	}
}

func TestSessionID(t *testing.T) {
	t.Parallel()

	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if got := SessionID(WithSession(context.Background(), "abc", "pizza")); got != "abc" {
		t.Errorf("SessionID = %q, want abc", got)
	}
}

func TestLogger(t *testing.T) {
	recordSpans(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "plain context",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSession(context.Background(), "s1", "pizza"), func() {}
			},
			want:    []string{"session_id=s1", "agent_id=pizza"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and trace",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSession(context.Background(), "s2", "pizza"), "turn")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=s2", "trace_id="},
		},
	}
	for _, tc := range tests {
		buf := captureLogs(t)
		ctx, end := tc.ctx()
		Logger(ctx).Info("hello")
		end()

		out := buf.String()
		for _, w := range tc.want {
			if !strings.Contains(out, w) {
				t.Errorf("%s: log %q missing %q", tc.name, out, w)
			}
		}
		for _, w := range tc.notWant {
			if strings.Contains(out, w) {
				t.Errorf("%s: log %q should not contain %q", tc.name, out, w)
			}
		}
	}
}
