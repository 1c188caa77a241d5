package observe

import (
	"context"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point of metric name whose
// attribute key equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestStageLatencies(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	stages := map[string]metric.Float64Histogram{
		"voiceloop.stt.duration":     m.STTDuration,
		"voiceloop.llm.duration":     m.LLMDuration,
		"voiceloop.tts.duration":     m.TTSDuration,
		"voiceloop.turn.first_audio": m.FirstAudioLatency,
	}
	for _, h := range stages {
		h.Record(ctx, 0.2)
		h.Record(ctx, 0.7)
	}

	rm := collect(t, reader)
	for name := range stages {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("%s not recorded", name)
			continue
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Errorf("%s: data = %+v", name, met.Data)
			continue
		}
		dp := hist.DataPoints[0]
		if dp.Count != 2 {
			t.Errorf("%s: count = %d, want 2", name, dp.Count)
		}
		if !slices.Equal(dp.Bounds, latencyBuckets) {
			t.Errorf("%s: bounds = %v, want the voice latency buckets", name, dp.Bounds)
		}
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "error")
	m.RecordProviderError(ctx, "elevenlabs", "tts")
	m.RecordTurn(ctx, "user")
	m.RecordTurn(ctx, "assistant")
	m.RecordTurn(ctx, "user")
	m.RecordInterruption(ctx, "voice_command")
	m.RecordInterruption(ctx, "client")
	m.RecordCircuitTransition(ctx, "elevenlabs", "tts", "open")
	m.RecordCircuitTransition(ctx, "elevenlabs", "tts", "half-open")
	m.RecordCircuitTransition(ctx, "deepgram", "stt", "open")

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"voiceloop.provider.requests", "status", "ok", 2},
		{"voiceloop.provider.requests", "status", "error", 1},
		{"voiceloop.provider.errors", "kind", "tts", 1},
		{"voiceloop.turns", "role", "user", 2},
		{"voiceloop.turns", "role", "assistant", 1},
		{"voiceloop.interruptions", "reason", "voice_command", 1},
		{"voiceloop.provider.circuit_transitions", "state", "open", 2},
	}
	for _, tc := range tests {
		if got := sumWhere(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	met := findMetric(collect(t, reader), "voiceloop.active_sessions")
	if met == nil {
		t.Fatal("active sessions not recorded")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("data = %+v", met.Data)
	}
	if sum.IsMonotonic {
		t.Error("active sessions must be able to go down")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}
