package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/memory"
)

var errStreamIncomplete = errors.New("stream closed without done event")

// Option configures an [Engine].
type Option func(*Engine)

// WithHistoryWindow sets how many transcript turns are sent with each
// request. Default: [memory.DefaultHistoryWindow].
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithMetrics records latency, fallbacks and errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithName sets the provider label used in metrics. Default: "dialogue".
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// Engine drives one conversation's replies. At most one Respond call is
// outstanding at a time.
//
// All methods are safe for concurrent use.
type Engine struct {
	backend Backend
	window  int
	metrics *observe.Metrics
	name    string
	busy    atomic.Bool
}

// NewEngine returns an Engine backed by b.
func NewEngine(b Backend, opts ...Option) *Engine {
	e := &Engine{backend: b, window: memory.DefaultHistoryWindow, name: "dialogue"}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Respond produces the reply to req. Every sentence is passed to onSentence
// as soon as it is available, in index order, exactly once. onSentence runs
// on the calling goroutine.
//
// Respond returns [ErrBusy] when another call is outstanding and
// [ErrProviderError] when both the streaming and the fallback path failed.
// When ctx is cancelled the context error is returned.
func (e *Engine) Respond(ctx context.Context, req Request, onSentence func(Sentence)) (*Response, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, ErrEmptyInput
	}
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	if n := len(req.History); n > e.window {
		req.History = req.History[n-e.window:]
	}

	ctx, span := observe.StartSpan(ctx, "dialogue.respond",
		trace.WithAttributes(
			attribute.String("agent_id", req.AgentID),
			attribute.String("language", req.Language),
			attribute.Int("history", len(req.History)),
		),
	)
	defer span.End()
	start := time.Now()

	d := &delivery{onSentence: onSentence, delivered: make(map[int]bool)}
	res, streamErr := e.stream(ctx, req, d)
	fellBack := res == nil
	if fellBack {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observe.Logger(ctx).Warn("dialogue: streaming failed, using fallback",
			"err", streamErr,
			"delivered", len(d.texts),
		)
		if e.metrics != nil {
			e.metrics.DialogueFallbacks.Add(ctx, 1)
		}

		var err error
		res, err = e.backend.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = fmt.Errorf("%w: streaming: %w; fallback: %w", ErrProviderError, streamErr, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.record(ctx, "error")
			return nil, err
		}
		_, clean := ParseLanguageSwitch(res.FullResponse)
		for i, s := range SplitSentences(clean) {
			d.emit(Sentence{Index: i, Text: s})
		}
	}
	e.record(ctx, "ok")
	if e.metrics != nil {
		e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}

	lang, text := ResolveLanguageSwitch(res.LanguageSwitch, res.FullResponse)
	if lang == "" {
		lang = d.legacy
	}
	if text == "" {
		text = strings.Join(d.texts, " ")
	}
	// A stream may carry the whole reply in its done frame only.
	if len(d.texts) == 0 && text != "" {
		for i, s := range SplitSentences(text) {
			d.emit(Sentence{Index: i, Text: s})
		}
	}
	span.SetAttributes(attribute.Bool("fallback", fellBack), attribute.Int("sentences", len(d.texts)))
	return &Response{
		Text:           text,
		Customer:       res.Customer,
		LanguageSwitch: lang,
		Sentences:      len(d.texts),
		FellBack:       fellBack,
	}, nil
}

// stream consumes the streaming path. A nil result means the caller must
// fall back; the error says why.
func (e *Engine) stream(ctx context.Context, req Request, d *delivery) (*Result, error) {
	ch, err := e.backend.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer func() { go audio.Drain(ch) }()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil, errStreamIncomplete
			}
			switch ev.Type {
			case EventSentence:
				d.emit(ev.Sentence)
			case EventDone:
				if ev.Result == nil {
					return &Result{}, nil
				}
				return ev.Result, nil
			case EventError:
				return nil, fmt.Errorf("stream error: %s", ev.Message)
			}
		}
	}
}

func (e *Engine) record(ctx context.Context, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordProviderRequest(ctx, e.name, "llm", status)
	if status != "ok" {
		e.metrics.RecordProviderError(ctx, e.name, "llm")
	}
}

// delivery forwards each sentence index at most once.
type delivery struct {
	onSentence func(Sentence)
	delivered  map[int]bool
	texts      []string
	legacy     string
}

func (d *delivery) emit(s Sentence) {
	if d.delivered[s.Index] {
		return
	}
	d.delivered[s.Index] = true
	code, text := ParseLanguageSwitch(s.Text)
	if d.legacy == "" {
		d.legacy = code
	}
	if text == "" {
		return
	}
	d.texts = append(d.texts, text)
	if d.onSentence != nil {
		d.onSentence(Sentence{Index: s.Index, Text: text})
	}
}
