package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voiceloop/internal/app"
	"github.com/MrWong99/voiceloop/internal/config"
	dialoguemock "github.com/MrWong99/voiceloop/internal/dialogue/mock"
	"github.com/MrWong99/voiceloop/internal/health"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/transcribe"
	"github.com/MrWong99/voiceloop/pkg/audio/wsdevice"
	"github.com/MrWong99/voiceloop/pkg/memory"
	memorymock "github.com/MrWong99/voiceloop/pkg/memory/mock"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	sttmock "github.com/MrWong99/voiceloop/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voiceloop/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voiceloop/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// testConfig returns a validated config with one agent for tests.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Agents: []config.AgentConfig{{
			ID:           "pizza",
			Name:         "Luigi",
			SystemPrompt: "You take pizza orders.",
			Voice:        config.AgentVoice{ID: "luigi-1", Speed: 1.1},
			Voices:       map[string]config.AgentVoice{"de": {ID: "luigi-de"}},
		}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type fixture struct {
	app      *app.App
	srv      *httptest.Server
	stt      *sttmock.Provider
	dialogue *dialoguemock.Backend
	tts      *ttsmock.Provider
	vad      *vadmock.Engine
	store    *memorymock.Store
}

func testProviders(f *fixture) *app.Providers {
	return &app.Providers{
		STT:          []transcribe.Route{{Name: "mock", Provider: f.stt, Languages: []string{"en", "de"}}},
		Dialogue:     f.dialogue,
		DialogueName: "mock",
		TTS:          f.tts,
		TTSName:      "mock",
		VAD:          f.vad,
	}
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		stt: &sttmock.Provider{Result: stt.Transcript{Text: "I'd like a pizza."}},
		dialogue: &dialoguemock.Backend{
			StreamEvents: append(dialoguemock.Sentences("Sure."), dialoguemock.Done("Sure.", "")),
		},
		tts:   &ttsmock.Provider{},
		vad:   &vadmock.Engine{},
		store: &memorymock.Store{},
	}
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]app.Option{app.WithStore(f.store), app.WithMetrics(metrics)}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(f), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	f.app = a
	f.srv = httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		f.srv.Close()
	})
	return f
}

// client drives the WebSocket protocol from the browser side.
type client struct {
	t    *testing.T
	ws   *websocket.Conn
	seen []wsdevice.Message
}

func (f *fixture) dial(t *testing.T, query string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + app.SessionPath + "?" + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return &client{t: t, ws: ws}
}

func (c *client) send(m wsdevice.Message) {
	c.t.Helper()
	b, _ := json.Marshal(m)
	if err := c.ws.Write(context.Background(), websocket.MessageText, b); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

// waitFor reads until a message matches. Audio clips are acknowledged as
// played along the way.
func (c *client) waitFor(desc string, match func(wsdevice.Message) bool) wsdevice.Message {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, b, err := c.ws.Read(ctx)
		if err != nil {
			c.t.Fatalf("waiting for %s: %v (seen %+v)", desc, err, c.seen)
		}
		if typ == websocket.MessageBinary {
			continue
		}
		var m wsdevice.Message
		if err := json.Unmarshal(b, &m); err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		c.seen = append(c.seen, m)
		if m.Type == wsdevice.TypeAudio {
			c.send(wsdevice.Message{Type: wsdevice.TypePlaybackDone, ID: m.ID})
		}
		if match(m) {
			return m
		}
	}
}

func isType(typ string) func(wsdevice.Message) bool {
	return func(m wsdevice.Message) bool { return m.Type == typ }
}

func isState(state string) func(wsdevice.Message) bool {
	return func(m wsdevice.Message) bool { return m.Type == wsdevice.TypeState && m.State == state }
}

func (c *client) transcripts() []string {
	var out []string
	for _, m := range c.seen {
		if m.Type == wsdevice.TypeTranscript {
			out = append(out, m.Role+": "+m.Text)
		}
	}
	return out
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*app.Providers)
		want   string
	}{
		{"stt", func(p *app.Providers) { p.STT = nil }, "stt route"},
		{"dialogue", func(p *app.Providers) { p.Dialogue = nil }, "dialogue backend"},
		{"tts", func(p *app.Providers) { p.TTS = nil }, "tts provider"},
		{"vad", func(p *app.Providers) { p.VAD = nil }, "vad engine"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := &fixture{stt: &sttmock.Provider{}, dialogue: &dialoguemock.Backend{}, tts: &ttsmock.Provider{}, vad: &vadmock.Engine{}}
			ps := testProviders(f)
			tc.mutate(ps)
			_, err := app.New(context.Background(), testConfig(), ps, app.WithStore(&memorymock.Store{}))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("New() error = %v, want mention of %q", err, tc.want)
			}
		})
	}

	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("New(nil providers) returned nil error")
	}
}

// ── HTTP surface ─────────────────────────────────────────────────────────────

func TestHandler_HealthEndpoints(t *testing.T) {
	t.Parallel()

	failing := health.Checker{Name: "database", Check: func(context.Context) error { return errors.New("down") }}

	tests := []struct {
		name string
		opts []app.Option
		path string
		want int
	}{
		{"healthz", nil, "/healthz", http.StatusOK},
		{"readyz", nil, "/readyz", http.StatusOK},
		{"readyz failing check", []app.Option{app.WithChecker(failing)}, "/readyz", http.StatusServiceUnavailable},
		{"metrics", nil, "/metrics", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, testConfig(), tc.opts...)
			resp, err := http.Get(f.srv.URL + tc.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != tc.want {
				t.Errorf("GET %s = %d, want %d", tc.path, resp.StatusCode, tc.want)
			}
		})
	}
}

func TestSession_Rejections(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AuthToken = "s3cret"
	cfg.Agents = append(cfg.Agents, config.AgentConfig{ID: "sushi", Name: "Aiko"})
	f := newFixture(t, cfg)

	tests := []struct {
		name   string
		query  string
		header string
		want   int
	}{
		{"missing token", "agent_id=pizza", "", http.StatusUnauthorized},
		{"wrong token", "agent_id=pizza", "Bearer nope", http.StatusUnauthorized},
		{"unknown agent", "agent_id=tacos&token=s3cret", "", http.StatusNotFound},
		{"agent required with several agents", "token=s3cret", "", http.StatusNotFound},
		{"plain http", "agent_id=pizza", "Bearer s3cret", http.StatusUpgradeRequired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req, _ := http.NewRequest(http.MethodGet, f.srv.URL+app.SessionPath+"?"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

// ── Voice sessions ───────────────────────────────────────────────────────────

func TestSession_ManualTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := f.dial(t, "agent_id=pizza&client_id=c1")

	ready := c.waitFor("ready", isType(wsdevice.TypeReady))
	if ready.SessionID == "" || ready.Language != "en" || ready.Sensitivity != config.DefaultSensitivity {
		t.Errorf("ready = %+v", ready)
	}
	if ready.Continuous == nil || *ready.Continuous {
		t.Errorf("ready.continuous = %v, want false", ready.Continuous)
	}
	eventually(t, "session registered", func() bool { return f.app.Sessions().Count() == 1 })
	if got := f.app.Sessions().List(); got[0].AgentID != "pizza" || got[0].ClientID != "c1" {
		t.Errorf("List() = %+v", got)
	}

	c.send(wsdevice.Message{Type: wsdevice.TypeHello, SampleRate: 16000, Channels: 1})
	c.send(wsdevice.Message{Type: wsdevice.TypeStart})
	c.waitFor("capture request", isType(wsdevice.TypeCapture))
	c.send(wsdevice.Message{Type: wsdevice.TypeMic, Status: wsdevice.MicGranted})
	c.waitFor("listening", isState("listening"))

	pcm := make([]byte, 640) // 20 ms at 16 kHz mono
	for range 50 {
		if err := c.ws.Write(context.Background(), websocket.MessageBinary, pcm); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(200 * time.Millisecond)
	c.send(wsdevice.Message{Type: wsdevice.TypeStop})

	c.waitFor("processing", isState("processing"))
	audio := c.waitFor("reply audio", isType(wsdevice.TypeAudio))
	if audio.Text != "Sure." {
		t.Errorf("audio text = %q, want %q", audio.Text, "Sure.")
	}
	c.waitFor("idle after reply", isState("idle"))

	want := []string{"user: I'd like a pizza.", "assistant: Sure."}
	if got := c.transcripts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("transcripts = %q, want %q", got, want)
	}

	req := f.dialogue.LastStreamRequest()
	if req.AgentID != "pizza" || req.Options.SystemPrompt != "You take pizza orders." {
		t.Errorf("dialogue request = %+v", req)
	}
	calls := f.tts.Calls()
	if len(calls) != 1 || calls[0].Req.Voice.ID != "luigi-1" || calls[0].Req.Voice.SpeedFactor != 1.1 {
		t.Errorf("tts calls = %+v", calls)
	}

	c.ws.Close(websocket.StatusNormalClosure, "bye")
	eventually(t, "session released", func() bool { return f.app.Sessions().Count() == 0 })
	eventually(t, "preferences saved", func() bool { return f.store.CallCount("SavePreferences") == 1 })
	eventually(t, "turns persisted", func() bool { return f.store.CallCount("AppendTurn") == 2 })
}

func TestSession_Commands(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := f.dial(t, "client_id=c2")
	c.waitFor("ready", isType(wsdevice.TypeReady))

	c.send(wsdevice.Message{Type: wsdevice.TypeLanguage, Language: "DE"})
	if m := c.waitFor("language", isType(wsdevice.TypeLanguage)); m.Language != "de" {
		t.Errorf("language = %q, want de", m.Language)
	}

	tests := []struct {
		msg  wsdevice.Message
		code string
	}{
		{wsdevice.Message{Type: wsdevice.TypeSensitivity, Sensitivity: 11}, app.CodeBadMessage},
		{wsdevice.Message{Type: wsdevice.TypeContinuous}, app.CodeBadMessage},
		{wsdevice.Message{Type: wsdevice.TypeLanguage, Language: "ja"}, app.CodeUnsupportedLanguage},
		{wsdevice.Message{Type: "dance"}, app.CodeBadMessage},
	}
	for _, tc := range tests {
		c.send(tc.msg)
		if m := c.waitFor("error", isType(wsdevice.TypeError)); m.Code != tc.code {
			t.Errorf("%s: error code = %q, want %q", tc.msg.Type, m.Code, tc.code)
		}
	}

	c.send(wsdevice.Message{Type: wsdevice.TypeStart})
	c.waitFor("capture request", isType(wsdevice.TypeCapture))
	c.send(wsdevice.Message{Type: wsdevice.TypeMic, Status: wsdevice.MicDenied})
	if m := c.waitFor("permission error", isType(wsdevice.TypeError)); m.Code != app.CodePermissionDenied {
		t.Errorf("error code = %q, want %q", m.Code, app.CodePermissionDenied)
	}

	c.send(wsdevice.Message{Type: wsdevice.TypeSensitivity, Sensitivity: 8})
	c.send(wsdevice.Message{Type: wsdevice.TypeClearContext})
	c.send(wsdevice.Message{Type: wsdevice.TypeStopAll})
	c.ws.Close(websocket.StatusNormalClosure, "bye")

	eventually(t, "preferences saved", func() bool { return f.store.CallCount("SavePreferences") == 1 })
	prefs, _ := f.store.Mem().LoadPreferences(context.Background(), memory.Scope{AgentID: "pizza", ClientID: "c2"})
	p := memory.PreferencesFromMap(prefs)
	if p.Language != "de" || p.Sensitivity != 8 {
		t.Errorf("saved preferences = %+v", p)
	}
}

func TestSession_VoiceFollowsLanguage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := f.dial(t, "client_id=c6")
	c.waitFor("ready", isType(wsdevice.TypeReady))
	c.send(wsdevice.Message{Type: wsdevice.TypeLanguage, Language: "de"})
	c.waitFor("language", isType(wsdevice.TypeLanguage))

	c.send(wsdevice.Message{Type: wsdevice.TypeHello, SampleRate: 16000})
	c.send(wsdevice.Message{Type: wsdevice.TypeStart})
	c.waitFor("capture request", isType(wsdevice.TypeCapture))
	c.send(wsdevice.Message{Type: wsdevice.TypeMic, Status: wsdevice.MicGranted})
	c.waitFor("listening", isState("listening"))
	pcm := make([]byte, 640)
	for range 50 {
		_ = c.ws.Write(context.Background(), websocket.MessageBinary, pcm)
	}
	time.Sleep(200 * time.Millisecond)
	c.send(wsdevice.Message{Type: wsdevice.TypeStop})
	c.waitFor("reply audio", isType(wsdevice.TypeAudio))
	c.waitFor("idle after reply", isState("idle"))

	calls := f.tts.Calls()
	if len(calls) != 1 {
		t.Fatalf("tts calls = %d, want 1", len(calls))
	}
	if v := calls[0].Req.Voice; v.ID != "luigi-de" || v.SpeedFactor != 0 {
		t.Errorf("voice = %+v, want the agent's German voice", v)
	}
	if got := calls[0].Req.Language; got != "de" {
		t.Errorf("tts language = %q, want de", got)
	}
}

func TestSession_ContinuousReportsCalibration(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.Detector.CalibrationSamples = 12
	cfg.Voice.Detector.MinSilence = 900 * time.Millisecond
	f := newFixture(t, cfg)
	c := f.dial(t, "client_id=c5")
	c.waitFor("ready", isType(wsdevice.TypeReady))
	c.send(wsdevice.Message{Type: wsdevice.TypeHello, SampleRate: 16000})
	c.send(wsdevice.Message{Type: wsdevice.TypeContinuous, Enabled: wsdevice.Bool(true)})
	c.waitFor("capture request", isType(wsdevice.TypeCapture))
	c.send(wsdevice.Message{Type: wsdevice.TypeMic, Status: wsdevice.MicGranted})

	m := c.waitFor("calibrating", isType(wsdevice.TypeCalibrating))
	if m.Enabled == nil || !*m.Enabled {
		t.Errorf("calibrating = %v, want true when listening starts", m.Enabled)
	}
	c.waitFor("listening", isState("listening"))
	calls := f.vad.Calls()
	if len(calls) != 1 {
		t.Fatalf("detector sessions = %d, want 1", len(calls))
	}
	if got := calls[0].Cfg; got.CalibrationSamples != 12 || got.SilenceDuration != 900*time.Millisecond || got.Sensitivity != config.DefaultSensitivity {
		t.Errorf("detector config = %+v", got)
	}

	c.send(wsdevice.Message{Type: wsdevice.TypeContinuous, Enabled: wsdevice.Bool(false)})
	m = c.waitFor("calibration ended", isType(wsdevice.TypeCalibrating))
	if m.Enabled == nil || *m.Enabled {
		t.Errorf("calibrating = %v, want false once the detector is gone", m.Enabled)
	}
	c.waitFor("idle", isState("idle"))
}

func TestSession_TranscriptionFailureReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	f.stt.Err = errors.New("stt down")

	c := f.dial(t, "client_id=c3")
	c.waitFor("ready", isType(wsdevice.TypeReady))
	c.send(wsdevice.Message{Type: wsdevice.TypeHello, SampleRate: 16000})
	c.send(wsdevice.Message{Type: wsdevice.TypeStart})
	c.waitFor("capture request", isType(wsdevice.TypeCapture))
	c.send(wsdevice.Message{Type: wsdevice.TypeMic, Status: wsdevice.MicGranted})
	c.waitFor("listening", isState("listening"))

	pcm := make([]byte, 640)
	for range 50 {
		_ = c.ws.Write(context.Background(), websocket.MessageBinary, pcm)
	}
	time.Sleep(200 * time.Millisecond)
	c.send(wsdevice.Message{Type: wsdevice.TypeStop})

	if m := c.waitFor("provider error", isType(wsdevice.TypeError)); m.Code != app.CodeProviderError {
		t.Errorf("error code = %q, want %q", m.Code, app.CodeProviderError)
	}
	c.waitFor("idle", isState("idle"))
}

// ── Reload and shutdown ──────────────────────────────────────────────────────

func TestReload_AppliesToNewSessions(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	cfg := testConfig()
	f := newFixture(t, cfg, app.WithLogLevel(&level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Voice.Sensitivity = 8
	next.Server.ListenAddr = ":9999"

	diff := f.app.Reload(next)
	if !diff.LogLevelChanged || !diff.SensitivityChanged {
		t.Errorf("diff = %+v", diff)
	}
	if len(diff.RestartRequired) != 1 || diff.RestartRequired[0] != "server" {
		t.Errorf("RestartRequired = %v, want [server]", diff.RestartRequired)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}

	c := f.dial(t, "client_id=c4")
	if m := c.waitFor("ready", isType(wsdevice.TypeReady)); m.Sensitivity != 8 {
		t.Errorf("new session sensitivity = %d, want 8", m.Sensitivity)
	}
}

func TestShutdown_DrainsSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	c := f.dial(t, "client_id=c5")
	c.waitFor("ready", isType(wsdevice.TypeReady))
	eventually(t, "session registered", func() bool { return f.app.Sessions().Count() == 1 })

	// Keep reading so the close handshake completes.
	go func() {
		for {
			if _, _, err := c.ws.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := f.app.Sessions().Count(); n != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", n)
	}
	if f.store.CallCount("SavePreferences") != 1 {
		t.Error("preferences not saved on shutdown")
	}

	resp, err := http.Get(f.srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz after shutdown = %d, want 503", resp.StatusCode)
	}

	// Late clients are turned away.
	late := f.dial(t, "client_id=c6")
	_, _, err = late.ws.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("late client close status = %v, want %v", got, websocket.StatusTryAgainLater)
	}
}
