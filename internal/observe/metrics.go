// Package observe carries voiceloop's telemetry: OpenTelemetry metrics
// bridged to Prometheus, spans tagged with the voice session they belong
// to, session-aware loggers and the HTTP middleware joining them up.
//
// Tests build their own [Metrics] with [NewMetrics] on a private meter
// provider; production code uses [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = scope

// Metrics holds the instruments of one voiceloop process. All fields are
// safe for concurrent use.
type Metrics struct {
	// ── Stage latency ──

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks dialogue latency from request to the done event.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per sentence.
	TTSDuration metric.Float64Histogram

	// FirstAudioLatency tracks the time from the end of a user segment to the
	// first synthesized sentence being handed to the player.
	FirstAudioLatency metric.Float64Histogram

	// ── Counters ──

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// Turns counts transcript turns by role.
	Turns metric.Int64Counter

	// Interruptions counts global stops by reason.
	Interruptions metric.Int64Counter

	// SilenceRetries counts retry prompts spoken after an unanswered question.
	SilenceRetries metric.Int64Counter

	// DialogueFallbacks counts dialogue requests that fell back from the
	// streaming to the non-streaming endpoint.
	DialogueFallbacks metric.Int64Counter

	// ProviderErrors counts failed provider calls.
	ProviderErrors metric.Int64Counter

	// CircuitTransitions counts breakers entering a state.
	CircuitTransitions metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, dense around the
// sub-second range a conversational reply has to stay within.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// instruments creates instruments on one meter and collects the first
// error of each, so NewMetrics can report them all at once.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) latency(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.track(name, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.track(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.track(name, err)
	return g
}

func (in *instruments) track(name string, err error) {
	if err != nil {
		in.errs = append(in.errs, fmt.Errorf("observe: instrument %s: %w", name, err))
	}
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:       in.latency("voiceloop.stt.duration", "Speech-to-text latency per segment.", latencyBuckets...),
		LLMDuration:       in.latency("voiceloop.llm.duration", "Dialogue latency from request to the last token.", latencyBuckets...),
		TTSDuration:       in.latency("voiceloop.tts.duration", "Synthesis latency per sentence.", latencyBuckets...),
		FirstAudioLatency: in.latency("voiceloop.turn.first_audio", "End of user speech to the first reply audio.", latencyBuckets...),

		ProviderRequests:   in.counter("voiceloop.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     in.counter("voiceloop.provider.errors", "Failed provider calls by provider and kind."),
		CircuitTransitions: in.counter("voiceloop.provider.circuit_transitions", "Circuit breaker state changes by provider, kind and new state."),
		Turns:              in.counter("voiceloop.turns", "Transcript turns by role."),
		Interruptions:      in.counter("voiceloop.interruptions", "Global stops by reason."),
		SilenceRetries:     in.counter("voiceloop.silence_retries", "Questions repeated after no answer."),
		DialogueFallbacks:  in.counter("voiceloop.dialogue.fallbacks", "Dialogue requests answered by the non-streaming endpoint."),

		ActiveSessions: in.gauge("voiceloop.active_sessions", "Live voice sessions."),

		HTTPRequestDuration: in.latency("voiceloop.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if len(in.errs) > 0 {
		return nil, errors.Join(in.errs...)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider. Call it after [InitProvider] so the instruments reach the
// Prometheus bridge.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCircuitTransition records a circuit breaker entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, kind, state string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("state", state),
		),
	)
}

// RecordTurn records one appended transcript turn.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordInterruption records one global stop.
func (m *Metrics) RecordInterruption(ctx context.Context, reason string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
