package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/internal/orchestrator"
	"github.com/MrWong99/voiceloop/internal/speech"
	"github.com/MrWong99/voiceloop/internal/transcribe"
	"github.com/MrWong99/voiceloop/internal/transcript"
	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/audio/wsdevice"
	"github.com/MrWong99/voiceloop/pkg/memory"
	"github.com/MrWong99/voiceloop/pkg/provider/llm"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

// outboxSize bounds the notifications waiting to be written to one client.
const outboxSize = 64

// Error codes sent to the client in error messages.
const (
	CodePermissionDenied    = "permission_denied"
	CodeDeviceUnavailable   = "device_unavailable"
	CodeEmptyTranscript     = "empty_transcript"
	CodeUnsupportedLanguage = "unsupported_language"
	CodeTimeout             = "timeout"
	CodePlaybackBlocked     = "playback_blocked"
	CodeProviderError       = "provider_error"
	CodeBusy                = "busy"
	CodeBadMessage          = "bad_message"
	CodeInternal            = "internal"
)

// errorCode maps an error onto the client error taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return CodeDeviceUnavailable
	case errors.Is(err, transcribe.ErrEmptyTranscript):
		return CodeEmptyTranscript
	case errors.Is(err, transcribe.ErrUnsupportedLanguage):
		return CodeUnsupportedLanguage
	case errors.Is(err, transcribe.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, audio.ErrPlaybackBlocked):
		return CodePlaybackBlocked
	case errors.Is(err, orchestrator.ErrBusy),
		errors.Is(err, transcribe.ErrBusy),
		errors.Is(err, dialogue.ErrBusy),
		errors.Is(err, capture.ErrBusy):
		return CodeBusy
	case errors.Is(err, transcribe.ErrProviderError),
		errors.Is(err, dialogue.ErrProviderError),
		errors.Is(err, dialogue.ErrMissingCredentials),
		errors.Is(err, speech.ErrProviderError),
		errors.Is(err, stt.ErrMissingCredentials),
		errors.Is(err, tts.ErrMissingCredentials),
		errors.Is(err, llm.ErrMissingCredentials):
		return CodeProviderError
	default:
		return CodeInternal
	}
}

// errBadMessage marks client messages that could not be acted on.
var errBadMessage = errors.New("bad message")

// voiceSession binds one client connection to an orchestrator.
type voiceSession struct {
	id     string
	agent  config.AgentConfig
	conn   *wsdevice.Conn
	orch   *orchestrator.Orchestrator
	speech *speech.Queue
	stt    *transcribe.Client
	outbox chan wsdevice.Message

	closeOnce sync.Once
}

// sessionParams are the per-connection inputs of newVoiceSession.
type sessionParams struct {
	agent    config.AgentConfig
	clientID string
	voice    config.VoiceConfig
}

// newVoiceSession assembles capture, transcription, dialogue, speech and the
// orchestrator for conn. Nothing runs until run is called.
func (a *App) newVoiceSession(conn *wsdevice.Conn, p sessionParams) (*voiceSession, error) {
	vs := &voiceSession{
		agent:  p.agent,
		conn:   conn,
		outbox: make(chan wsdevice.Message, outboxSize),
	}

	rec := capture.New(conn, capture.WithIndicator(conn))

	trOpts := []transcribe.Option{
		transcribe.WithTimeout(p.voice.TranscribeTimeout),
		transcribe.WithMetrics(a.metrics),
	}
	if len(p.agent.Keyterms) > 0 {
		trOpts = append(trOpts, transcribe.WithCorrector(transcript.New(p.agent.Keyterms)))
	}
	tr, err := transcribe.New(a.providers.STT, trOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: transcription: %w", err)
	}
	vs.stt = tr

	dlg := dialogue.NewEngine(a.providers.Dialogue,
		dialogue.WithHistoryWindow(p.voice.HistoryWindow),
		dialogue.WithMetrics(a.metrics),
		dialogue.WithName(a.providers.DialogueName),
	)

	// The queue's hooks only fire once audio flows, which is after the
	// orchestrator below exists.
	vs.speech = speech.New(a.providers.TTS, conn,
		speech.WithLookAhead(p.voice.LookAhead),
		speech.WithVoice(vs.voiceFor("", a.providers.TTSName)),
		speech.WithMetrics(a.metrics, a.providers.TTSName),
		speech.WithPlayHook(func(audio.Clip) { vs.orch.PlaybackStarted() }),
		speech.WithErrorHandler(func(text string, err error) { vs.orch.SpeechFailed(text, err) }),
	)

	language := p.agent.Language
	if language == "" {
		language = p.voice.Language
	}
	orch, err := orchestrator.New(orchestrator.Config{
		AgentID:     p.agent.ID,
		ClientID:    p.clientID,
		Language:    language,
		Continuous:  p.voice.Continuous,
		Sensitivity: p.voice.Sensitivity,
		Dialogue: dialogue.Options{
			UseRAG:       p.agent.UseRAG,
			SystemPrompt: p.agent.SystemPrompt,
			Temperature:  p.agent.Temperature,
			MaxTokens:    p.agent.MaxTokens,
			Provider:     p.agent.Provider,
		},
		StopGrace:         p.voice.StopGrace,
		ResumeDelay:       p.voice.ResumeDelay,
		SilenceTimeout:    p.voice.SilenceTimeout,
		MaxSilenceRetries: p.voice.MaxSilenceRetries,
		MinSegment:        p.voice.MinSegment,
		ErrorResumeDelay:  p.voice.ErrorResumeDelay,
		ContinuousGain:    p.voice.ContinuousGain,
		VAD:               p.voice.Detector.VAD(p.voice.Sensitivity),
	}, orchestrator.Components{
		Recorder:    rec,
		VAD:         a.providers.VAD,
		Transcriber: tr,
		Dialogue:    dlg,
		Speech:      vs.speech,
		Store:       a.store,
	},
		orchestrator.WithHooks(orchestrator.Hooks{
			OnState: func(s orchestrator.State) {
				vs.notify(wsdevice.Message{Type: wsdevice.TypeState, State: s.String()})
			},
			OnTurn: func(t memory.Turn) {
				vs.notify(wsdevice.Message{Type: wsdevice.TypeTranscript, Role: string(t.Role), Text: t.Text})
			},
			OnError: func(err error) {
				vs.notify(errorMessage(err))
			},
			OnLanguage: func(lang string) {
				vs.speech.SetVoice(vs.voiceFor(lang, a.providers.TTSName))
				vs.notify(wsdevice.Message{Type: wsdevice.TypeLanguage, Language: lang})
			},
			OnCalibrating: func(on bool) {
				vs.notify(wsdevice.Message{Type: wsdevice.TypeCalibrating, Enabled: wsdevice.Bool(on)})
			},
		}),
		orchestrator.WithMetrics(a.metrics),
	)
	if err != nil {
		vs.speech.Close()
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}
	vs.orch = orch
	vs.id = orch.Session().ID
	// A returning client may resume in a language other than the default.
	vs.speech.SetVoice(vs.voiceFor(orch.Language(), a.providers.TTSName))
	return vs, nil
}

// voiceFor picks the agent's voice for lang, falling back to its default
// voice.
func (vs *voiceSession) voiceFor(lang, provider string) tts.VoiceProfile {
	v, ok := vs.agent.Voices[lang]
	if !ok {
		v = vs.agent.Voice
	}
	return tts.VoiceProfile{ID: v.ID, Name: v.Name, Provider: provider, SpeedFactor: v.Speed}
}

func errorMessage(err error) wsdevice.Message {
	code := errorCode(err)
	if errors.Is(err, errBadMessage) {
		code = CodeBadMessage
	}
	return wsdevice.Message{Type: wsdevice.TypeError, Code: code, Detail: err.Error()}
}

// notify queues m for the client. It never blocks the orchestrator's event
// loop; when the client falls behind, messages are dropped.
func (vs *voiceSession) notify(m wsdevice.Message) {
	select {
	case vs.outbox <- m:
	default:
		slog.Warn("app: client outbox full, dropping message", "session_id", vs.id, "type", m.Type)
	}
}

// run serves the session until the client goes away or ctx is cancelled.
func (vs *voiceSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return vs.conn.Run(gctx)
	})
	g.Go(func() error {
		vs.writeLoop(gctx)
		return nil
	})

	if err := vs.orch.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		vs.teardown()
		return fmt.Errorf("app: start session: %w", err)
	}
	sess := vs.orch.Session()
	vs.notify(wsdevice.Message{
		Type:        wsdevice.TypeReady,
		SessionID:   sess.ID,
		Language:    sess.Language,
		Continuous:  wsdevice.Bool(sess.Continuous),
		Sensitivity: sess.Sensitivity,
	})

	g.Go(func() error {
		vs.dispatch()
		return nil
	})

	err := g.Wait()
	vs.teardown()
	return err
}

func (vs *voiceSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-vs.outbox:
			if err := vs.conn.Send(ctx, m); err != nil {
				slog.Debug("app: client write failed", "session_id", vs.id, "type", m.Type, "err", err)
			}
		}
	}
}

// dispatch applies the client's commands until the connection ends.
func (vs *voiceSession) dispatch() {
	for m := range vs.conn.Control() {
		if err := vs.apply(m); err != nil {
			slog.Debug("app: client command failed", "session_id", vs.id, "type", m.Type, "err", err)
			vs.notify(errorMessage(err))
		}
	}
}

func (vs *voiceSession) apply(m wsdevice.Message) error {
	switch m.Type {
	case wsdevice.TypeHello:
		// The device has taken the audio format.
		return nil
	case wsdevice.TypeStart:
		return vs.orch.StartListening()
	case wsdevice.TypeStop:
		return vs.orch.StopListening()
	case wsdevice.TypeStopAll:
		return vs.orch.StopAll()
	case wsdevice.TypeContinuous:
		if m.Enabled == nil {
			return fmt.Errorf("%w: continuous needs enabled", errBadMessage)
		}
		return vs.orch.SetContinuous(*m.Enabled)
	case wsdevice.TypeLanguage:
		if lang := strings.ToLower(strings.TrimSpace(m.Language)); lang != "" && !vs.stt.Supports(lang) {
			return fmt.Errorf("app: language %q: %w", lang, transcribe.ErrUnsupportedLanguage)
		}
		return vs.orch.SetLanguage(m.Language)
	case wsdevice.TypeSensitivity:
		if err := vs.orch.SetSensitivity(m.Sensitivity); err != nil {
			return fmt.Errorf("%w: %w", errBadMessage, err)
		}
		return nil
	case wsdevice.TypeClearContext:
		return vs.orch.ClearContext()
	default:
		return fmt.Errorf("%w: unknown type %q", errBadMessage, m.Type)
	}
}

// teardown persists the session and releases its resources.
func (vs *voiceSession) teardown() {
	if err := vs.orch.Close(); err != nil {
		slog.Debug("app: release microphone", "session_id", vs.id, "err", err)
	}
	vs.speech.Close()
}

// close ends the client connection. run returns once teardown is done.
func (vs *voiceSession) close(reason string) {
	vs.closeOnce.Do(func() {
		if err := vs.conn.Close(reason); err != nil {
			slog.Debug("app: close client connection", "session_id", vs.id, "err", err)
		}
	})
}
