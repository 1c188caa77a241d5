// Package transcribe turns finished audio segments into text.
//
// A [Client] routes each segment to an STT provider by language. Routing is
// an ordered allow-list: the first [Route] whose Languages contain the
// primary subtag of the requested language wins, and a route listing "*"
// accepts every language. A language no route accepts fails immediately with
// [ErrUnsupportedLanguage]; there is no silent default.
//
// At most one transcription is in flight per Client. A second call while one
// is outstanding is rejected with [ErrBusy].
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/transcript"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
)

// DefaultTimeout bounds a single transcription.
const DefaultTimeout = 15 * time.Second

// AnyLanguage in a route's Languages makes it a catch-all.
const AnyLanguage = "*"

var (
	// ErrEmptyTranscript is returned when the provider recognised no speech.
	ErrEmptyTranscript = errors.New("transcribe: empty transcript")

	// ErrUnsupportedLanguage is returned when no route accepts the language.
	ErrUnsupportedLanguage = errors.New("transcribe: unsupported language")

	// ErrProviderError wraps transport, authentication and server failures.
	ErrProviderError = errors.New("transcribe: provider error")

	// ErrTimeout is returned when no result arrived within the timeout.
	ErrTimeout = errors.New("transcribe: timeout")

	// ErrBusy is returned when a transcription is already in flight.
	ErrBusy = errors.New("transcribe: transcription already in flight")
)

// Route binds an STT provider to the languages it serves.
type Route struct {
	// Name identifies the route in logs and metrics.
	Name string

	// Provider performs the transcription.
	Provider stt.Provider

	// Languages lists ISO-639-1 codes, or [AnyLanguage].
	Languages []string
}

func (r Route) accepts(lang string) bool {
	return slices.Contains(r.Languages, AnyLanguage) || slices.Contains(r.Languages, lang)
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetrics records latency and request counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithCorrector rewrites misheard key terms in every transcript.
func WithCorrector(tc *transcript.Corrector) Option {
	return func(c *Client) { c.corrector = tc }
}

// Client transcribes segments through language-routed providers.
//
// All methods are safe for concurrent use.
type Client struct {
	routes    []Route
	timeout   time.Duration
	metrics   *observe.Metrics
	corrector *transcript.Corrector
	inflight  atomic.Bool
}

// New validates routes and returns a Client.
func New(routes []Route, opts ...Option) (*Client, error) {
	if len(routes) == 0 {
		return nil, errors.New("transcribe: at least one route is required")
	}
	var errs []error
	normalised := make([]Route, len(routes))
	for i, r := range routes {
		if r.Provider == nil {
			errs = append(errs, fmt.Errorf("transcribe: route %q has no provider", r.Name))
		}
		if len(r.Languages) == 0 {
			errs = append(errs, fmt.Errorf("transcribe: route %q lists no languages (use %q for a catch-all)", r.Name, AnyLanguage))
		}
		langs := make([]string, len(r.Languages))
		for j, l := range r.Languages {
			langs[j] = PrimarySubtag(l)
		}
		r.Languages = langs
		normalised[i] = r
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	c := &Client{routes: normalised, timeout: DefaultTimeout}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// PrimarySubtag returns the lower-cased primary subtag of a BCP 47-ish
// language tag: "de-AT" and "de_at" both yield "de".
func PrimarySubtag(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}

// Route returns the route that serves language.
func (c *Client) Route(language string) (Route, error) {
	lang := PrimarySubtag(language)
	if lang != "" {
		for _, r := range c.routes {
			if r.accepts(lang) {
				return r, nil
			}
		}
	}
	return Route{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
}

// Supports reports whether some route accepts language.
func (c *Client) Supports(language string) bool {
	_, err := c.Route(language)
	return err == nil
}

// Transcribe sends seg to the provider routed for language and returns the
// trimmed transcript.
//
// Errors are [ErrUnsupportedLanguage], [ErrBusy], [ErrEmptyTranscript],
// [ErrTimeout] or [ErrProviderError]. When ctx itself is cancelled the
// context error is returned unwrapped.
func (c *Client) Transcribe(ctx context.Context, seg audio.Segment, language string) (string, error) {
	route, err := c.Route(language)
	if err != nil {
		return "", err
	}
	if !c.inflight.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer c.inflight.Store(false)

	ctx, span := observe.StartSpan(ctx, "transcribe",
		trace.WithAttributes(
			attribute.String("route", route.Name),
			attribute.String("language", language),
			attribute.Int64("audio.bytes", int64(len(seg.Data))),
		),
	)
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := route.Provider.Transcribe(tctx, stt.Request{
		Audio:      seg.Data,
		MIMEType:   seg.MIMEType,
		SampleRate: seg.SampleRate,
		Language:   PrimarySubtag(language),
	})
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.STTDuration.Record(ctx, elapsed.Seconds())
	}

	if err != nil {
		err = c.classify(ctx, tctx, route, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	c.record(ctx, route, "ok")

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	if c.corrector != nil {
		if fixed, corrections := c.corrector.Correct(text); len(corrections) > 0 {
			observe.Logger(ctx).Debug("transcribe: corrected key terms", "corrections", len(corrections))
			text = fixed
		}
	}
	observe.Logger(ctx).Debug("transcribe: done",
		"route", route.Name,
		"language", language,
		"chars", len(text),
		"latency", elapsed,
	)
	return text, nil
}

func (c *Client) classify(ctx, tctx context.Context, route Route, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		c.record(ctx, route, "timeout")
		return fmt.Errorf("%w after %s (route %s)", ErrTimeout, c.timeout, route.Name)
	default:
		c.record(ctx, route, "error")
		if c.metrics != nil {
			c.metrics.RecordProviderError(ctx, route.Name, "stt")
		}
		slog.Warn("transcribe: provider failed", "route", route.Name, "err", err)
		return fmt.Errorf("%w: %s: %w", ErrProviderError, route.Name, err)
	}
}

func (c *Client) record(ctx context.Context, route Route, status string) {
	if c.metrics != nil {
		c.metrics.RecordProviderRequest(ctx, route.Name, "stt", status)
	}
}
