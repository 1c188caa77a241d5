package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/dialogue"
	dialoguemock "github.com/MrWong99/voiceloop/internal/dialogue/mock"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/orchestrator"
	orchmock "github.com/MrWong99/voiceloop/internal/orchestrator/mock"
	"github.com/MrWong99/voiceloop/internal/speech"
	"github.com/MrWong99/voiceloop/internal/transcribe"
	"github.com/MrWong99/voiceloop/pkg/audio"
	audiomock "github.com/MrWong99/voiceloop/pkg/audio/mock"
	"github.com/MrWong99/voiceloop/pkg/memory"
	memorymock "github.com/MrWong99/voiceloop/pkg/memory/mock"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	sttmock "github.com/MrWong99/voiceloop/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voiceloop/pkg/provider/tts/mock"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
	vadmock "github.com/MrWong99/voiceloop/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

var scope = memory.Scope{AgentID: "pizza", ClientID: "c1"}

type harness struct {
	rec     *orchmock.Recorder
	stt     *sttmock.Provider
	backend *dialoguemock.Backend
	tts     *ttsmock.Provider
	player  *audiomock.Player
	store   *memorymock.Store
	vad     *vadmock.Engine
	orch    *orchestrator.Orchestrator

	states chan orchestrator.State
	errs   chan error

	mu  sync.Mutex
	log []string
}

func segment(d time.Duration) audio.Segment {
	return audio.Segment{Data: []byte("RIFF"), MIMEType: "audio/wav", SampleRate: 16000, Channels: 1, Duration: d}
}

func defaultReply() []dialogue.Event {
	return append(dialoguemock.Sentences("Sure.", "Which size would you like?"),
		dialoguemock.Done("Sure. Which size would you like?", ""))
}

func newHarness(t *testing.T, cfg orchestrator.Config, opts ...orchestrator.Option) *harness {
	t.Helper()
	h := &harness{
		rec:     &orchmock.Recorder{Segment: segment(time.Second)},
		stt:     &sttmock.Provider{Result: stt.Transcript{Text: "I'd like a pizza."}},
		backend: &dialoguemock.Backend{StreamEvents: defaultReply()},
		tts:     &ttsmock.Provider{},
		player:  &audiomock.Player{},
		store:   &memorymock.Store{},
		vad:     &vadmock.Engine{},
		states:  make(chan orchestrator.State, 256),
		errs:    make(chan error, 64),
	}
	tc, err := transcribe.New([]transcribe.Route{{Name: "mock", Provider: h.stt, Languages: []string{transcribe.AnyLanguage}}})
	if err != nil {
		t.Fatalf("transcribe.New: %v", err)
	}
	queue := speech.New(h.tts, h.player)

	if cfg.AgentID == "" {
		cfg.AgentID = scope.AgentID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = scope.ClientID
	}
	hooks := orchestrator.Hooks{
		OnState: func(s orchestrator.State) {
			h.record("state:" + s.String())
			h.states <- s
		},
		OnError: func(err error) {
			h.record("error")
			h.errs <- err
		},
		OnLanguage:    func(lang string) { h.record("language:" + lang) },
		OnCalibrating: func(on bool) { h.record(fmt.Sprintf("calibrating:%t", on)) },
	}
	o, err := orchestrator.New(cfg, orchestrator.Components{
		Recorder:    h.rec,
		VAD:         h.vad,
		Transcriber: tc,
		Dialogue:    dialogue.NewEngine(h.backend),
		Speech:      queue,
		Store:       h.store,
	}, append([]orchestrator.Option{orchestrator.WithHooks(hooks)}, opts...)...)
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	h.orch = o
	t.Cleanup(func() {
		_ = o.Close()
		queue.Close()
	})
	return h
}

func (h *harness) record(s string) {
	h.mu.Lock()
	h.log = append(h.log, s)
	h.mu.Unlock()
}

func (h *harness) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.log...)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// waitState consumes state notifications until want is seen.
func (h *harness) waitState(t *testing.T, want orchestrator.State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-h.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached, current %s", want, h.orch.State())
		}
	}
}

func (h *harness) waitErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("no error reported")
		return nil
	}
}

// turn runs one manual push-to-talk turn up to the end of the reply.
func (h *harness) turn(t *testing.T) {
	t.Helper()
	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if err := h.orch.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	h.waitState(t, orchestrator.StateSpeaking)
	h.waitState(t, orchestrator.StateIdle)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := orchestrator.New(orchestrator.Config{}, orchestrator.Components{}); err == nil {
		t.Fatal("expected error for missing components")
	}

	h := newHarness(t, orchestrator.Config{})
	if err := h.orch.StartListening(); !errors.Is(err, orchestrator.ErrNotStarted) {
		t.Errorf("StartListening before Start = %v, want ErrNotStarted", err)
	}
}

// ── Turn taking ──────────────────────────────────────────────────────────────

func TestOrchestrator_ManualTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.start(t)

	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.waitState(t, orchestrator.StateListening)
	if !h.rec.Recording() {
		t.Fatal("recorder not recording after StartListening")
	}
	if got := h.rec.Interval(); got != capture.ManualChunkInterval {
		t.Errorf("chunk interval = %v, want %v", got, capture.ManualChunkInterval)
	}

	if err := h.orch.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	h.waitState(t, orchestrator.StateProcessing)
	h.waitState(t, orchestrator.StateSpeaking)
	h.waitState(t, orchestrator.StateIdle)

	if got, want := h.player.Texts(), []string{"Sure.", "Which size would you like?"}; !slices.Equal(got, want) {
		t.Errorf("played = %q, want %q", got, want)
	}

	turns := h.orch.Transcript()
	if len(turns) != 2 {
		t.Fatalf("transcript has %d turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Text != "I'd like a pizza." {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != memory.RoleAssistant || turns[1].Text != "Sure. Which size would you like?" {
		t.Errorf("turn 1 = %+v", turns[1])
	}

	req := h.backend.LastStreamRequest()
	if req.UserText != "I'd like a pizza." || req.Language != "en" || req.AgentID != "pizza" || len(req.History) != 0 {
		t.Errorf("dialogue request = %+v", req)
	}
	if h.rec.IsOpen() {
		t.Error("microphone still held after a manual turn")
	}
	eventually(t, "persisted turns", func() bool { return h.store.CallCount("AppendTurn") == 2 })
}

func TestOrchestrator_StopAllDiscardsLateResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, orchestrator.Config{})
	h.stt.TranscribeFunc = func(_ context.Context, _ stt.Request) (stt.Transcript, error) {
		<-release
		return stt.Transcript{Text: "hello"}, nil
	}
	h.start(t)

	_ = h.orch.StartListening()
	_ = h.orch.StopListening()
	h.waitState(t, orchestrator.StateProcessing)

	if err := h.orch.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if s := h.orch.State(); s != orchestrator.StateIdle {
		t.Errorf("state after StopAll = %s, want idle", s)
	}
	if h.rec.IsOpen() {
		t.Error("microphone still held after StopAll")
	}
	if h.player.CallCountStop == 0 {
		t.Error("player not stopped")
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	_ = h.orch.SetSensitivity(5)

	if stream, _ := h.backend.Calls(); stream != 0 {
		t.Errorf("dialogue called %d times with a discarded transcript", stream)
	}
	if s := h.orch.State(); s != orchestrator.StateIdle {
		t.Errorf("state = %s, want idle", s)
	}
	if n := len(h.orch.Transcript()); n != 0 {
		t.Errorf("transcript has %d turns, want 0", n)
	}
}

func TestOrchestrator_UnansweredTurnIsNotRecorded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(h *harness, release <-chan struct{})
		end   func(t *testing.T, h *harness)
	}{
		{
			name: "stop while the reply is generated",
			setup: func(h *harness, release <-chan struct{}) {
				h.backend.Block = release
			},
			end: func(t *testing.T, h *harness) {
				if err := h.orch.StopAll(); err != nil {
					t.Fatalf("StopAll: %v", err)
				}
			},
		},
		{
			name: "reply fails",
			setup: func(h *harness, _ <-chan struct{}) {
				h.backend.StreamErr = errors.New("upstream 503")
				h.backend.CompleteErr = errors.New("upstream 503")
			},
			end: func(t *testing.T, h *harness) {
				h.waitErr(t)
				h.waitState(t, orchestrator.StateIdle)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			release := make(chan struct{})
			h := newHarness(t, orchestrator.Config{})
			tc.setup(h, release)
			h.start(t)

			_ = h.orch.StartListening()
			_ = h.orch.StopListening()
			h.waitState(t, orchestrator.StateProcessing)
			eventually(t, "dialogue call", func() bool {
				stream, _ := h.backend.Calls()
				return stream == 1
			})
			tc.end(t, h)

			close(release)
			time.Sleep(50 * time.Millisecond)
			_ = h.orch.SetSensitivity(5)

			if n := len(h.orch.Transcript()); n != 0 {
				t.Errorf("transcript has %d turns, want 0", n)
			}
			if got := h.player.Texts(); len(got) != 0 {
				t.Errorf("played %q after the turn was abandoned", got)
			}
			if n := h.store.CallCount("AppendTurn"); n != 0 {
				t.Errorf("AppendTurn calls = %d, want 0", n)
			}
		})
	}
}

func TestOrchestrator_ShortSegmentBounces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		continuous bool
		seg        audio.Segment
		want       orchestrator.State
	}{
		{"manual short", false, segment(100 * time.Millisecond), orchestrator.StateIdle},
		{"manual empty", false, audio.Segment{}, orchestrator.StateIdle},
		{"continuous short", true, segment(299 * time.Millisecond), orchestrator.StateListening},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, orchestrator.Config{Continuous: tc.continuous})
			h.rec.Segment = tc.seg
			h.start(t)

			_ = h.orch.StartListening()
			if err := h.orch.StopListening(); err != nil {
				t.Fatalf("StopListening: %v", err)
			}
			if s := h.orch.State(); s != tc.want {
				t.Errorf("state = %s, want %s", s, tc.want)
			}
			if n := len(h.stt.Calls()); n != 0 {
				t.Errorf("transcriber called %d times", n)
			}
			if tc.continuous {
				if !h.rec.Recording() {
					t.Error("continuous mode did not resume recording")
				}
				if _, begin, _, _ := h.rec.Counts(); begin != 2 {
					t.Errorf("Begin calls = %d, want 2", begin)
				}
			}
		})
	}
}

func TestOrchestrator_ContinuousTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{
		Continuous:  true,
		StopGrace:   10 * time.Millisecond,
		ResumeDelay: 20 * time.Millisecond,
	})
	var sessions atomic.Int32
	first := &vadmock.Session{Events: []vad.Event{
		{Type: vad.EventSpeechStart},
		{Type: vad.EventSegmentComplete},
	}}
	h.vad.NewSessionFunc = func(vad.Config) (vad.SessionHandle, error) {
		if sessions.Add(1) == 1 {
			return first, nil
		}
		return &vadmock.Session{}, nil
	}
	h.start(t)

	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.waitState(t, orchestrator.StateListening)

	// Two analysis windows: one level per scripted detector event.
	h.rec.Push(audio.AudioFrame{Data: make([]byte, 2*2048), SampleRate: 16000, Channels: 1})

	h.waitState(t, orchestrator.StateProcessing)
	h.waitState(t, orchestrator.StateSpeaking)
	h.waitState(t, orchestrator.StateIdle)
	h.waitState(t, orchestrator.StateListening)

	if n := len(h.stt.Calls()); n != 1 {
		t.Errorf("transcriber calls = %d, want 1", n)
	}
	if _, _, _, closed := h.rec.Counts(); closed != 0 {
		t.Errorf("microphone closed %d times in continuous mode", closed)
	}
	if got := h.rec.Interval(); got != capture.ContinuousChunkInterval {
		t.Errorf("chunk interval = %v, want %v", got, capture.ContinuousChunkInterval)
	}
	calls := h.vad.Calls()
	if len(calls) != 2 {
		t.Fatalf("detector sessions = %d, want 2", len(calls))
	}
	if calls[0].Cfg.Sensitivity != 5 {
		t.Errorf("sensitivity = %d, want 5", calls[0].Cfg.Sensitivity)
	}
	if n := len(first.Levels()); n < 2 {
		t.Errorf("first detector saw %d levels, want at least 2", n)
	}
	if _, closes := first.Counts(); closes != 1 {
		t.Errorf("first detector closed %d times, want 1", closes)
	}
}

func TestOrchestrator_ReportsCalibration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{Continuous: true})
	h.vad.Session = &vadmock.Session{
		Current: vad.StateCalibrating,
		Events:  []vad.Event{{Type: vad.EventNone}, {Type: vad.EventCalibrated, Threshold: 0.02}},
	}
	h.start(t)

	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	h.waitState(t, orchestrator.StateListening)
	if !slices.Contains(h.events(), "calibrating:true") {
		t.Fatalf("events = %q, want calibrating:true once listening starts", h.events())
	}

	h.rec.Push(audio.AudioFrame{Data: make([]byte, 2*2048), SampleRate: 16000, Channels: 1})
	eventually(t, "end of calibration", func() bool {
		return slices.Contains(h.events(), "calibrating:false")
	})

	var got []string
	for _, e := range h.events() {
		if strings.HasPrefix(e, "calibrating:") {
			got = append(got, e)
		}
	}
	if want := []string{"calibrating:true", "calibrating:false"}; !slices.Equal(got, want) {
		t.Errorf("calibration events = %q, want %q", got, want)
	}
}

func TestOrchestrator_BargeIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	playing := make(chan struct{}, 8)
	h.player.PlayFunc = func(ctx context.Context, _ audio.Clip) error {
		playing <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
	h.start(t)

	_ = h.orch.StartListening()
	_ = h.orch.StopListening()
	h.waitState(t, orchestrator.StateSpeaking)
	<-playing

	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening while speaking: %v", err)
	}
	if s := h.orch.State(); s != orchestrator.StateListening {
		t.Errorf("state = %s, want listening", s)
	}
	if h.player.CallCountStop == 0 {
		t.Error("reply was not cut off")
	}
}

func TestOrchestrator_StartListeningErrors(t *testing.T) {
	t.Parallel()

	t.Run("busy while processing", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		defer close(release)
		h := newHarness(t, orchestrator.Config{})
		h.stt.TranscribeFunc = func(ctx context.Context, _ stt.Request) (stt.Transcript, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return stt.Transcript{Text: "hi"}, nil
		}
		h.start(t)

		_ = h.orch.StartListening()
		_ = h.orch.StopListening()
		h.waitState(t, orchestrator.StateProcessing)
		if err := h.orch.StartListening(); !errors.Is(err, orchestrator.ErrBusy) {
			t.Errorf("StartListening = %v, want ErrBusy", err)
		}
	})

	t.Run("permission denied", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, orchestrator.Config{})
		h.rec.OpenErr = audio.ErrPermissionDenied
		h.start(t)

		if err := h.orch.StartListening(); !errors.Is(err, audio.ErrPermissionDenied) {
			t.Errorf("StartListening = %v, want ErrPermissionDenied", err)
		}
		if s := h.orch.State(); s != orchestrator.StateIdle {
			t.Errorf("state = %s, want idle", s)
		}
	})
}

func TestOrchestrator_DeviceLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.start(t)
	_ = h.orch.StartListening()
	h.waitState(t, orchestrator.StateListening)

	h.rec.Lose()

	if err := h.waitErr(t); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("error = %v, want ErrDeviceUnavailable", err)
	}
	h.waitState(t, orchestrator.StateIdle)
}

// ── Errors ───────────────────────────────────────────────────────────────────

func TestOrchestrator_ErrorRecovery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		continuous bool
	}{
		{"manual stays idle", false},
		{"continuous resumes", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, orchestrator.Config{
				Continuous:       tc.continuous,
				ErrorResumeDelay: 20 * time.Millisecond,
			})
			h.stt.Err = errors.New("upstream 502")
			h.start(t)

			_ = h.orch.StartListening()
			_ = h.orch.StopListening()
			if err := h.waitErr(t); !errors.Is(err, transcribe.ErrProviderError) {
				t.Errorf("error = %v, want transcribe.ErrProviderError", err)
			}
			h.waitState(t, orchestrator.StateIdle)

			if tc.continuous {
				h.waitState(t, orchestrator.StateListening)
				return
			}
			time.Sleep(60 * time.Millisecond)
			if s := h.orch.State(); s != orchestrator.StateIdle {
				t.Errorf("state = %s, want idle", s)
			}
			if h.rec.IsOpen() {
				t.Error("microphone still held after error")
			}
		})
	}
}

func TestOrchestrator_EmptyTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.stt.Result = stt.Transcript{Text: "   "}
	h.start(t)

	_ = h.orch.StartListening()
	_ = h.orch.StopListening()
	if err := h.waitErr(t); !errors.Is(err, transcribe.ErrEmptyTranscript) {
		t.Errorf("error = %v, want ErrEmptyTranscript", err)
	}
	h.waitState(t, orchestrator.StateIdle)
	if stream, _ := h.backend.Calls(); stream != 0 {
		t.Errorf("dialogue called %d times", stream)
	}
}

func TestOrchestrator_SpokenStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.stt.Result = stt.Transcript{Text: "Stop!"}
	h.start(t)

	_ = h.orch.StartListening()
	_ = h.orch.StopListening()
	h.waitState(t, orchestrator.StateProcessing)
	h.waitState(t, orchestrator.StateIdle)

	if stream, _ := h.backend.Calls(); stream != 0 {
		t.Errorf("dialogue called %d times for a stop command", stream)
	}
	if n := len(h.orch.Transcript()); n != 0 {
		t.Errorf("transcript has %d turns, want 0", n)
	}
}

// ── Silence ──────────────────────────────────────────────────────────────────

func TestOrchestrator_SilenceRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{
		SilenceTimeout:    30 * time.Millisecond,
		MaxSilenceRetries: 2,
	})
	h.start(t)
	h.turn(t)

	eventually(t, "two retry prompts", func() bool { return len(h.player.Texts()) == 4 })
	time.Sleep(150 * time.Millisecond)

	prompt := "Are you still there? I asked: Which size would you like?"
	want := []string{"Sure.", "Which size would you like?", prompt, prompt}
	if got := h.player.Texts(); !slices.Equal(got, want) {
		t.Errorf("played = %q, want %q", got, want)
	}
	if n := len(h.orch.Transcript()); n != 4 {
		t.Errorf("transcript has %d turns, want 4", n)
	}
}

func TestOrchestrator_UserTurnCancelsSilenceTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{SilenceTimeout: 150 * time.Millisecond})
	h.start(t)
	h.turn(t)

	h.stt.Result = stt.Transcript{Text: "Large, please."}
	h.backend.StreamEvents = append(dialoguemock.Sentences("Great choice."), dialoguemock.Done("Great choice.", ""))
	h.turn(t)
	time.Sleep(300 * time.Millisecond)

	want := []string{"Sure.", "Which size would you like?", "Great choice."}
	if got := h.player.Texts(); !slices.Equal(got, want) {
		t.Errorf("played = %q, want %q", got, want)
	}
	if req := h.backend.LastStreamRequest(); len(req.History) != 2 {
		t.Errorf("history = %d turns, want 2", len(req.History))
	}
}

func TestOrchestrator_ManualRecordingHoldsSilenceTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{SilenceTimeout: 150 * time.Millisecond})
	h.start(t)
	h.turn(t)

	h.stt.Result = stt.Transcript{Text: "Large, please."}
	h.backend.StreamEvents = append(dialoguemock.Sentences("Great choice."), dialoguemock.Done("Great choice.", ""))

	time.Sleep(100 * time.Millisecond)
	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if st := h.orch.State(); st != orchestrator.StateListening {
		t.Fatalf("state = %s while the button is held, want Listening", st)
	}
	if err := h.orch.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	h.waitState(t, orchestrator.StateSpeaking)
	h.waitState(t, orchestrator.StateIdle)

	if n := len(h.stt.Calls()); n != 2 {
		t.Errorf("transcribe calls = %d, want 2", n)
	}
	want := []string{"Sure.", "Which size would you like?", "Great choice."}
	if got := h.player.Texts(); !slices.Equal(got, want) {
		t.Errorf("played = %q, want %q", got, want)
	}
}

// ── Language and memory ──────────────────────────────────────────────────────

func TestOrchestrator_LanguageSwitch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.backend.StreamEvents = append(dialoguemock.Sentences("Natürlich.", "Gerne auf Deutsch."),
		dialoguemock.Done("Natürlich. Gerne auf Deutsch.", "de"))
	h.start(t)
	h.turn(t)

	if got := h.orch.Language(); got != "de" {
		t.Fatalf("Language() = %q, want de", got)
	}
	log := h.events()
	switched := slices.Index(log, "language:de")
	lastIdle := -1
	for i, e := range log {
		if e == "state:idle" {
			lastIdle = i
		}
	}
	if switched < 0 || switched > lastIdle {
		t.Errorf("language switch not applied before the turn ended: %q", log)
	}

	h.turn(t)
	calls := h.stt.Calls()
	if got := calls[len(calls)-1].Req.Language; got != "de" {
		t.Errorf("transcription language = %q, want de", got)
	}
	if got := h.backend.LastStreamRequest().Language; got != "de" {
		t.Errorf("dialogue language = %q, want de", got)
	}
	synth := h.tts.Calls()
	if got := synth[len(synth)-1].Req.Language; got != "de" {
		t.Errorf("synthesis language = %q, want de", got)
	}

	if err := h.orch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	prefs, _ := h.store.Mem().LoadPreferences(context.Background(), scope)
	if prefs[memory.PrefLanguage] != "de" {
		t.Errorf("persisted language = %q, want de", prefs[memory.PrefLanguage])
	}
}

func TestOrchestrator_CustomerContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.backend.StreamEvents = []dialogue.Event{
		dialoguemock.Sentences("Thanks, Anna.")[0],
		{Type: dialogue.EventDone, Result: &dialogue.Result{
			FullResponse: "Thanks, Anna.",
			Customer:     &memory.CustomerContext{Name: "Anna", Email: "anna@example.com"},
		}},
	}
	h.start(t)
	h.turn(t)

	if c := h.orch.Customer(); c.Name != "Anna" || c.Email != "anna@example.com" {
		t.Errorf("Customer() = %+v", c)
	}
	eventually(t, "persisted customer", func() bool {
		c, _ := h.store.Mem().LoadCustomer(context.Background(), scope)
		return c.Email == "anna@example.com"
	})

	h.turn(t)
	if got := h.backend.LastStreamRequest().Customer.Name; got != "Anna" {
		t.Errorf("request customer name = %q, want Anna", got)
	}

	if err := h.orch.ClearContext(); err != nil {
		t.Fatalf("ClearContext: %v", err)
	}
	if n := len(h.orch.Transcript()); n != 0 {
		t.Errorf("transcript has %d turns after clear", n)
	}
	if !h.orch.Customer().IsEmpty() {
		t.Errorf("customer not cleared: %+v", h.orch.Customer())
	}
	eventually(t, "cleared customer", func() bool { return h.store.CallCount("ClearCustomer") == 1 })
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestOrchestrator_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	ctx := context.Background()
	_ = h.store.Mem().SavePreferences(ctx, scope, map[string]string{
		memory.PrefLanguage:       "fr",
		memory.PrefContinuousMode: "true",
		memory.PrefSensitivity:    "7",
	})
	_, _ = h.store.Mem().MergeCustomer(ctx, scope, memory.CustomerContext{Name: "Anna"})
	h.start(t)

	sess := h.orch.Session()
	if sess.Language != "fr" || !sess.Continuous || sess.Sensitivity != 7 {
		t.Errorf("session after Start = %+v", sess)
	}
	if h.orch.Customer().Name != "Anna" {
		t.Errorf("customer not loaded: %+v", h.orch.Customer())
	}

	if err := h.orch.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if got := h.vad.Calls()[0].Cfg.Sensitivity; got != 7 {
		t.Errorf("detector sensitivity = %d, want 7", got)
	}
	if err := h.orch.SetSensitivity(11); err == nil {
		t.Error("SetSensitivity(11) accepted")
	}
	if err := h.orch.SetSensitivity(3); err != nil {
		t.Errorf("SetSensitivity(3): %v", err)
	}
	if err := h.orch.SetContinuous(false); err != nil {
		t.Fatalf("SetContinuous: %v", err)
	}
	if s := h.orch.State(); s != orchestrator.StateIdle {
		t.Errorf("state after disabling continuous = %s, want idle", s)
	}
	if h.rec.IsOpen() {
		t.Error("microphone still held after disabling continuous mode")
	}

	if err := h.orch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.orch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := h.store.CallCount("SavePreferences"); n != 1 {
		t.Errorf("SavePreferences calls = %d, want 1", n)
	}
	prefs, _ := h.store.Mem().LoadPreferences(ctx, scope)
	if prefs[memory.PrefContinuousMode] != "false" || prefs[memory.PrefSensitivity] != "3" || prefs[memory.PrefLanguage] != "fr" {
		t.Errorf("persisted preferences = %v", prefs)
	}
	if err := h.orch.StartListening(); !errors.Is(err, orchestrator.ErrClosed) {
		t.Errorf("StartListening after Close = %v, want ErrClosed", err)
	}
}

func TestOrchestrator_StoreFailureDoesNotEndSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, orchestrator.Config{})
	h.store.LoadPreferencesErr = errors.New("db down")
	h.store.AppendTurnErr = errors.New("db down")
	h.start(t)
	h.turn(t)

	if n := len(h.orch.Transcript()); n != 2 {
		t.Errorf("transcript has %d turns, want 2", n)
	}
	if got := h.orch.Language(); got != "en" {
		t.Errorf("Language() = %q, want en", got)
	}
}

// ── Metrics ──────────────────────────────────────────────────────────────────

func sumInt64(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestOrchestrator_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, orchestrator.Config{}, orchestrator.WithMetrics(m))
	h.start(t)
	if got := sumInt64(t, reader, "voiceloop.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	h.turn(t)
	_ = h.orch.StopAll()

	if got := sumInt64(t, reader, "voiceloop.turns"); got != 2 {
		t.Errorf("turns = %d, want 2", got)
	}
	if got := sumInt64(t, reader, "voiceloop.interruptions"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}

	_ = h.orch.Close()
	if got := sumInt64(t, reader, "voiceloop.active_sessions"); got != 0 {
		t.Errorf("active sessions after Close = %d, want 0", got)
	}
}

func TestDefaultSilencePrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lang, want string
	}{
		{"en", "Are you still there? I asked: Ready?"},
		{"de-DE", "Sind Sie noch da? Ich hatte gefragt: Ready?"},
		{"xx", "Are you still there? I asked: Ready?"},
	}
	for _, tc := range tests {
		if got := orchestrator.DefaultSilencePrompt(tc.lang, "Ready?"); got != tc.want {
			t.Errorf("DefaultSilencePrompt(%q) = %q, want %q", tc.lang, got, tc.want)
		}
	}
}
