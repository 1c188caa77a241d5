// Package speech speaks the agent's reply sentence by sentence.
//
// A [Queue] accepts sanitized sentences in generation order and plays them
// strictly in that order. Synthesis runs ahead of playback for a bounded
// number of items so provider latency is hidden, but item N+1 is never
// handed to the player before item N finished playing. Each pending item
// holds its own one-shot result channel, so a fast synthesis simply waits
// for its turn.
//
// [Queue.StopAll] is the barge-in path: it cancels every synthesis in
// flight, halts the player and drops everything pending, including markers
// registered with [Queue.Mark].
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

// DefaultLookAhead is the number of queued sentences synthesized ahead of
// playback.
const DefaultLookAhead = 4

// ErrProviderError wraps synthesis failures reported to the error handler.
var ErrProviderError = errors.New("speech: provider error")

// Option configures a [Queue].
type Option func(*Queue)

// WithLookAhead overrides [DefaultLookAhead].
func WithLookAhead(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.lookAhead = n
		}
	}
}

// WithErrorHandler is called, on the queue's goroutine, for every item that
// could not be synthesized or played. The queue continues with the next item.
func WithErrorHandler(fn func(text string, err error)) Option {
	return func(q *Queue) { q.onError = fn }
}

// WithPlayHook is called, on the queue's goroutine, right before a clip is
// handed to the player.
func WithPlayHook(fn func(clip audio.Clip)) Option {
	return func(q *Queue) { q.onPlay = fn }
}

// WithVoice sets the initial voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(q *Queue) { q.voice = v }
}

// WithMetrics records synthesis latency and provider counters on m, labelled
// with name.
func WithMetrics(m *observe.Metrics, name string) Option {
	return func(q *Queue) {
		q.metrics = m
		q.name = name
	}
}

type result struct {
	clip audio.Clip
	err  error
}

// item is one pending entry: a sentence or a marker.
type item struct {
	text    string
	mark    func()
	started bool
	res     chan result
}

// Queue serialises synthesis and playback. Create it with [New] and release
// it with [Queue.Close].
//
// All methods are safe for concurrent use.
type Queue struct {
	tts       tts.Provider
	player    audio.Player
	lookAhead int
	onError   func(string, error)
	onPlay    func(audio.Clip)
	metrics   *observe.Metrics
	name      string

	mu       sync.Mutex
	items    []*item
	voice    tts.VoiceProfile
	language string
	ctx      context.Context
	cancel   context.CancelFunc

	wake   chan struct{}
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New creates a Queue and starts its playback goroutine.
func New(p tts.Provider, player audio.Player, opts ...Option) *Queue {
	q := &Queue{
		tts:       p,
		player:    player,
		lookAhead: DefaultLookAhead,
		name:      "tts",
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	go q.run()
	return q
}

// SetVoice changes the voice for sentences synthesized from now on.
func (q *Queue) SetVoice(v tts.VoiceProfile) {
	q.mu.Lock()
	q.voice = v
	q.mu.Unlock()
}

// SetLanguage changes the language passed to the provider for sentences
// synthesized from now on.
func (q *Queue) SetLanguage(lang string) {
	q.mu.Lock()
	q.language = lang
	q.mu.Unlock()
}

// Enqueue sanitizes text and schedules it for playback. It never blocks.
// Text that sanitizes to nothing is dropped; Enqueue then reports false.
func (q *Queue) Enqueue(text string) bool {
	text = Sanitize(text)
	if text == "" {
		return false
	}
	q.push(&item{text: text, res: make(chan result, 1)})
	return true
}

// Mark schedules fn to run once playback reaches this point. Markers are
// dropped by [Queue.StopAll]. fn runs on the queue's goroutine and must not
// block.
func (q *Queue) Mark(fn func()) {
	q.push(&item{mark: fn})
}

func (q *Queue) push(it *item) {
	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		return
	default:
	}
	q.items = append(q.items, it)
	q.startAheadLocked()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// StopAll cancels synthesis, stops the player and clears everything pending.
func (q *Queue) StopAll() {
	q.mu.Lock()
	q.cancel()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.items = nil
	q.mu.Unlock()

	if err := q.player.Stop(); err != nil {
		slog.Warn("speech: stop player", "err", err)
	}
}

// Close stops everything and waits for the playback goroutine to exit.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.StopAll()
		close(q.closed)
	})
	<-q.done
}

// startAheadLocked starts synthesis for the first lookAhead sentences that
// have not started yet. Must be called with q.mu held.
func (q *Queue) startAheadLocked() {
	n := 0
	for _, it := range q.items {
		if it.mark != nil {
			continue
		}
		if n == q.lookAhead {
			return
		}
		n++
		if it.started {
			continue
		}
		it.started = true
		go q.synthesize(q.ctx, it, tts.Request{Text: it.text, Voice: q.voice, Language: q.language})
	}
}

func (q *Queue) synthesize(ctx context.Context, it *item, req tts.Request) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize")
	defer span.End()

	start := time.Now()
	a, err := q.tts.Synthesize(ctx, req)
	if q.metrics != nil && ctx.Err() == nil {
		q.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
			q.metrics.RecordProviderError(ctx, q.name, "tts")
		}
		q.metrics.RecordProviderRequest(ctx, q.name, "tts", status)
	}
	if err != nil {
		span.RecordError(err)
		it.res <- result{err: fmt.Errorf("%w: %w", ErrProviderError, err)}
		return
	}
	it.res <- result{clip: audio.Clip{
		Data:       a.Data,
		MIMEType:   a.MIMEType,
		SampleRate: a.SampleRate,
		Text:       req.Text,
	}}
}

// next pops the head item together with the context of its generation.
func (q *Queue) next() (*item, context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	q.startAheadLocked()
	return it, q.ctx
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		it, ctx := q.next()
		if it == nil {
			select {
			case <-q.wake:
				continue
			case <-q.closed:
				return
			}
		}

		if it.mark != nil {
			if ctx.Err() == nil {
				it.mark()
			}
			continue
		}

		var res result
		select {
		case res = <-it.res:
		case <-ctx.Done():
			continue
		}
		if res.err != nil {
			if ctx.Err() == nil {
				q.report(it.text, res.err)
			}
			continue
		}

		if q.onPlay != nil {
			q.onPlay(res.clip)
		}
		err := q.player.Play(ctx, res.clip)
		if err != nil && ctx.Err() == nil {
			q.report(it.text, err)
		}
	}
}

func (q *Queue) report(text string, err error) {
	slog.Warn("speech: item skipped", "text", text, "err", err)
	if q.onError != nil {
		q.onError(text, err)
	}
}
