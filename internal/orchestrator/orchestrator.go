// Package orchestrator drives one voice conversation through its turns.
//
// An [Orchestrator] owns the microphone, the voice activity detector, the
// transcription client, the dialogue engine and the speech queue of a single
// client session and moves between four states:
//
//	Idle ──StartListening──▶ Listening ──segment──▶ Processing ──sentence──▶ Speaking
//	  ▲                                                                         │
//	  └──────────────────────────── end of reply ◀──────────────────────────────┘
//
// All state is owned by one event-loop goroutine. Transcription and dialogue
// calls run on their own goroutines and post their results back tagged with
// the epoch they were started in. [Orchestrator.StopAll] bumps the epoch, so
// results that arrive after a global stop are discarded.
//
// In continuous (hands-free) mode the detector ends segments on silence and
// listening resumes by itself once the reply has been spoken. When a reply
// ends in a question and the user stays silent, the question is repeated a
// bounded number of times.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/session"
	"github.com/MrWong99/voiceloop/internal/voicecmd"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/memory"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
	"github.com/MrWong99/voiceloop/pkg/provider/vad/energy"
)

// Turn-taking timings.
const (
	DefaultStopGrace         = 150 * time.Millisecond
	DefaultResumeDelay       = 500 * time.Millisecond
	DefaultErrorResumeDelay  = 1500 * time.Millisecond
	DefaultSilenceTimeout    = 10 * time.Second
	DefaultMaxSilenceRetries = 3
	DefaultMinSegment        = 300 * time.Millisecond

	// DefaultContinuousGain boosts the analyser input in hands-free mode,
	// where the user tends to sit further from the microphone.
	DefaultContinuousGain = 2.5
)

const persistTimeout = 5 * time.Second

var (
	// ErrNotStarted is returned by commands issued before Start.
	ErrNotStarted = errors.New("orchestrator: not started")

	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("orchestrator: closed")

	// ErrBusy is returned by StartListening while a turn is being processed.
	ErrBusy = errors.New("orchestrator: turn in progress")
)

// State enumerates the conversation states.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Recorder is the microphone side of a session. [capture.Capture]
// implements it.
type Recorder interface {
	Open(ctx context.Context) error
	Begin() bool
	End() (audio.Segment, bool)
	Close() error
	IsOpen() bool
	Chunks() <-chan audio.AudioFrame
	SetChunkInterval(d time.Duration)
}

// Transcriber turns a finished segment into text. [transcribe.Client]
// implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, seg audio.Segment, language string) (string, error)
}

// Responder produces the agent's reply. [dialogue.Engine] implements it.
type Responder interface {
	Respond(ctx context.Context, req dialogue.Request, onSentence func(dialogue.Sentence)) (*dialogue.Response, error)
}

// Speaker plays the reply. [speech.Queue] implements it.
type Speaker interface {
	Enqueue(text string) bool
	Mark(fn func())
	StopAll()
	SetLanguage(lang string)
}

// Components are the collaborators of an Orchestrator. All are required.
type Components struct {
	Recorder    Recorder
	VAD         vad.Engine
	Transcriber Transcriber
	Dialogue    Responder
	Speech      Speaker
	Store       memory.Store
}

func (c Components) validate() error {
	var errs []error
	if c.Recorder == nil {
		errs = append(errs, errors.New("recorder is required"))
	}
	if c.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	if c.Transcriber == nil {
		errs = append(errs, errors.New("transcriber is required"))
	}
	if c.Dialogue == nil {
		errs = append(errs, errors.New("dialogue is required"))
	}
	if c.Speech == nil {
		errs = append(errs, errors.New("speech is required"))
	}
	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	return errors.Join(errs...)
}

// Config holds per-session settings. Zero durations take their defaults.
type Config struct {
	AgentID  string
	ClientID string

	// Language, Continuous and Sensitivity are the initial settings. Stored
	// preferences of the client override them on Start.
	Language    string
	Continuous  bool
	Sensitivity int

	// Dialogue is passed through with every request.
	Dialogue dialogue.Options

	// VAD is the base detector configuration. Sensitivity is taken from the
	// session.
	VAD vad.Config

	StopGrace         time.Duration
	ResumeDelay       time.Duration
	ErrorResumeDelay  time.Duration
	SilenceTimeout    time.Duration
	MaxSilenceRetries int
	MinSegment        time.Duration
	ContinuousGain    float64
}

func (c Config) withDefaults() Config {
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.ResumeDelay == 0 {
		c.ResumeDelay = DefaultResumeDelay
	}
	if c.ErrorResumeDelay == 0 {
		c.ErrorResumeDelay = DefaultErrorResumeDelay
	}
	if c.SilenceTimeout == 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.MaxSilenceRetries == 0 {
		c.MaxSilenceRetries = DefaultMaxSilenceRetries
	}
	if c.MinSegment == 0 {
		c.MinSegment = DefaultMinSegment
	}
	if c.ContinuousGain == 0 {
		c.ContinuousGain = DefaultContinuousGain
	}
	return c
}

// Hooks receive notifications for the client. They run on the event loop,
// must return quickly and must not call back into the Orchestrator.
type Hooks struct {
	OnState    func(State)
	OnTurn     func(memory.Turn)
	OnError    func(error)
	OnLanguage func(lang string)

	// OnCalibrating reports a continuous-mode detector measuring background
	// noise (true) and the end of that measurement (false).
	OnCalibrating func(active bool)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithHooks sets the client notification hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithMetrics records turn, interruption and latency metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCommands replaces the spoken command detector.
func WithCommands(d *voicecmd.Detector) Option {
	return func(o *Orchestrator) { o.commands = d }
}

// WithSilencePrompt replaces [DefaultSilencePrompt].
func WithSilencePrompt(fn func(lang, question string) string) Option {
	return func(o *Orchestrator) { o.prompt = fn }
}

// Orchestrator runs one conversation. Create it with [New], call
// [Orchestrator.Start] once and [Orchestrator.Close] when the client goes
// away.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	c        Components
	store    *session.MemoryGuard
	hooks    Hooks
	metrics  *observe.Metrics
	commands *voicecmd.Detector
	prompt   func(lang, question string) string

	events   chan any
	persistq chan func(context.Context)
	quit     chan struct{}
	done     chan struct{}
	flushed  chan struct{}

	started   atomic.Bool
	closeOnce sync.Once
	state     atomic.Int32

	// mu guards the fields read by accessors outside the loop.
	mu         sync.Mutex
	sess       session.Session
	customer   memory.CustomerContext
	transcript memory.Transcript

	// Owned by the event loop.
	ctx         context.Context
	cancel      context.CancelFunc
	epoch       uint64
	turnCancel  context.CancelFunc
	pending     *memory.Turn
	detector    vad.SessionHandle
	analyzer    *energy.Analyzer
	calibrating bool
	chunks      <-chan audio.AudioFrame
	timers      map[timerKind]*timer
	timerSeq    uint64
	question    string
	retries     int
	spoke       bool
	segmentEnd  time.Time
	firstAudio  bool
}

// New creates an Orchestrator. The store is wrapped in a
// [session.MemoryGuard], so persistence failures never end a session.
func New(cfg Config, c Components, opts ...Option) (*Orchestrator, error) {
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	cfg = cfg.withDefaults()

	sess := session.New(cfg.AgentID, cfg.ClientID)
	sess.Continuous = cfg.Continuous
	if cfg.Language != "" {
		sess.Language = strings.ToLower(cfg.Language)
	}
	if cfg.Sensitivity != 0 {
		if err := session.ValidateSensitivity(cfg.Sensitivity); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		sess.Sensitivity = cfg.Sensitivity
	}

	o := &Orchestrator{
		cfg:      cfg,
		c:        c,
		store:    session.NewMemoryGuard(c.Store),
		commands: voicecmd.New(),
		prompt:   DefaultSilencePrompt,
		events:   make(chan any, 64),
		persistq: make(chan func(context.Context), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		sess:     sess,
		timers:   make(map[timerKind]*timer),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start loads the client's stored preferences and customer context and
// starts the event loop. ctx bounds the lifetime of the session.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)

	scope := o.sess.Scope()
	prefs, _ := o.store.LoadPreferences(ctx, scope)
	customer, _ := o.store.LoadCustomer(ctx, scope)

	o.mu.Lock()
	o.sess.Apply(memory.PreferencesFromMap(prefs))
	o.customer = customer
	sess := o.sess
	o.mu.Unlock()

	o.c.Speech.SetLanguage(sess.Language)
	o.c.Recorder.SetChunkInterval(chunkInterval(sess.Continuous))
	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	observe.Logger(ctx).Info("orchestrator: session started",
		"language", sess.Language,
		"continuous", sess.Continuous,
	)
	if o.hooks.OnState != nil {
		o.hooks.OnState(StateIdle)
	}
	if o.hooks.OnLanguage != nil {
		o.hooks.OnLanguage(sess.Language)
	}

	go o.persistLoop()
	go o.run()
	return nil
}

// Close stops the conversation, persists the client's preferences and
// releases the microphone. It is safe to call more than once and before
// Start.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		if o.started.Load() {
			_ = o.call(func() error {
				o.halt()
				return nil
			})
			close(o.quit)
			<-o.done
			close(o.persistq)
			<-o.flushed

			sess := o.Session()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), persistTimeout)
			_ = o.store.SavePreferences(ctx, sess.Scope(), sess.Preferences().Map())
			cancel()
			o.cancel()

			if o.metrics != nil {
				o.metrics.ActiveSessions.Add(context.Background(), -1)
			}
			slog.Info("orchestrator: session ended", "session_id", sess.ID, "turns", o.transcript.Len())
		}
		err = o.c.Recorder.Close()
	})
	return err
}

// StartListening opens the microphone and starts a recording. Called while
// the agent is speaking it interrupts the reply. It fails with [ErrBusy]
// while a turn is being processed.
func (o *Orchestrator) StartListening() error {
	return o.call(o.startListening)
}

// StopListening ends the current recording and sends it for processing.
// It is a no-op when not listening.
func (o *Orchestrator) StopListening() error {
	return o.call(func() error {
		if o.State() == StateListening {
			o.finishSegment()
		}
		return nil
	})
}

// StopAll is the global stop. It returns once the microphone is released,
// the speech queue is cleared and the state is Idle. Results of work that
// was in flight are discarded when they arrive.
func (o *Orchestrator) StopAll() error {
	return o.call(func() error {
		o.stopAll("user")
		return nil
	})
}

// SetContinuous switches hands-free mode. Enabling it while idle starts
// listening; disabling it while listening discards the recording.
func (o *Orchestrator) SetContinuous(on bool) error {
	return o.call(func() error { return o.setContinuous(on) })
}

// SetLanguage changes the conversation language.
func (o *Orchestrator) SetLanguage(lang string) error {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return errors.New("orchestrator: empty language")
	}
	return o.call(func() error {
		o.applyLanguage(lang)
		return nil
	})
}

// SetSensitivity changes the detector sensitivity (1..10). It applies from
// the next listening activation.
func (o *Orchestrator) SetSensitivity(n int) error {
	if err := session.ValidateSensitivity(n); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return o.call(func() error {
		o.mu.Lock()
		o.sess.Sensitivity = n
		o.mu.Unlock()
		return nil
	})
}

// ClearContext forgets the transcript and the stored customer context.
func (o *Orchestrator) ClearContext() error {
	return o.call(func() error {
		o.clearContext()
		return nil
	})
}

// PlaybackStarted tells the orchestrator that reply audio reached the
// client. Wire it to the speech queue's play hook.
func (o *Orchestrator) PlaybackStarted() {
	o.post(playbackStarted{})
}

// SpeechFailed reports a sentence that could not be synthesized or played.
// Wire it to the speech queue's error handler.
func (o *Orchestrator) SpeechFailed(text string, err error) {
	o.post(speechFailed{text: text, err: err})
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Language returns the current conversation language.
func (o *Orchestrator) Language() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.Language
}

// Session returns a snapshot of the session settings.
func (o *Orchestrator) Session() session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess
}

// Customer returns the known customer context.
func (o *Orchestrator) Customer() memory.CustomerContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.customer
}

// Transcript returns a copy of the conversation so far.
func (o *Orchestrator) Transcript() []memory.Turn {
	return o.transcript.Turns()
}

// command runs fn on the event loop.
type command struct {
	fn    func() error
	reply chan error
}

func (o *Orchestrator) call(fn func() error) error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case o.events <- cmd:
	case <-o.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

func (o *Orchestrator) post(ev any) {
	if !o.started.Load() {
		return
	}
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

// persist queues a store write. Writes run in order on their own goroutine
// so a slow database never stalls turn-taking.
func (o *Orchestrator) persist(fn func(ctx context.Context)) {
	select {
	case o.persistq <- fn:
	default:
		slog.Warn("orchestrator: persistence queue full, dropping write", "session_id", o.sess.ID)
	}
}

func (o *Orchestrator) persistLoop() {
	defer close(o.flushed)
	for fn := range o.persistq {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), persistTimeout)
		fn(ctx)
		cancel()
	}
}

func chunkInterval(continuous bool) time.Duration {
	if continuous {
		return capture.ContinuousChunkInterval
	}
	return capture.ManualChunkInterval
}
