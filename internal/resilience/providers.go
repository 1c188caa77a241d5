package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/voiceloop/pkg/audio"
	"github.com/MrWong99/voiceloop/pkg/provider/llm"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
)

var (
	errNoVoiceCatalogue = errors.New("resilience: provider has no voice catalogue")
	errEmptyStream      = errors.New("resilience: stream ended before the first chunk")
)

// ─── STT ─────────────────────────────────────────────────────────────────────

// STTFallback is an [stt.Provider] that fails over across STT backends.
// An empty transcript is a valid answer and does not trigger failover.
type STTFallback struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.Add(name, p) }

// Transcribe implements [stt.Provider].
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	res, _, err := Call(ctx, f.group, func(ctx context.Context, _ string, p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
	return res, err
}

// ─── TTS ─────────────────────────────────────────────────────────────────────

// TTSFallback is a [tts.Provider] that fails over across TTS backends.
//
// Voice IDs are provider specific. A request whose voice belongs to another
// provider is sent to a fallback with that fallback's configured voice, or
// with no voice at all so the backend picks its default.
type TTSFallback struct {
	group  *Group[tts.Provider]
	voices map[string]string
}

var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewGroup(primaryName, primary, cfg), voices: map[string]string{}}
}

// AddFallback appends a backend to the chain. voiceID is used in place of a
// foreign voice; leave it empty for the backend's default voice.
func (f *TTSFallback) AddFallback(name string, p tts.Provider, voiceID string) {
	f.group.Add(name, p)
	if voiceID != "" {
		f.voices[name] = voiceID
	}
}

// Synthesize implements [tts.Provider].
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	res, _, err := Call(ctx, f.group, func(ctx context.Context, name string, p tts.Provider) (tts.Audio, error) {
		return p.Synthesize(ctx, f.requestFor(name, req))
	})
	return res, err
}

// requestFor adapts the voice of req to the backend name.
func (f *TTSFallback) requestFor(name string, req tts.Request) tts.Request {
	if req.Voice.Provider == "" || req.Voice.Provider == name {
		return req
	}
	speed := req.Voice.SpeedFactor
	req.Voice = tts.VoiceProfile{ID: f.voices[name], Provider: name, SpeedFactor: speed}
	return req
}

// ListVoices returns the catalogue of the first healthy backend that has
// one.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	res, _, err := Call(ctx, f.group, func(ctx context.Context, _ string, p tts.Provider) ([]tts.VoiceProfile, error) {
		l, ok := p.(tts.VoiceLister)
		if !ok {
			return nil, errNoVoiceCatalogue
		}
		return l.ListVoices(ctx)
	})
	return res, err
}

// ─── LLM ─────────────────────────────────────────────────────────────────────

// LLMFallback is an [llm.Provider] that fails over across LLM backends.
//
// A stream counts as established once its first chunk arrives. A stream
// that fails or ends before that is retried on the next backend, so a
// reply never mixes the output of two models.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.Add(name, p) }

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	res, _, err := Call(ctx, f.group, func(ctx context.Context, _ string, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	return res, err
}

// StreamCompletion implements [llm.Provider]. Errors after the first chunk
// arrive in the stream as usual.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	res, _, err := Call(ctx, f.group, func(ctx context.Context, _ string, p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return awaitFirst(ctx, ch)
	})
	return res, err
}

// awaitFirst blocks until the first chunk of ch and returns a channel that
// replays it followed by the rest of ch.
func awaitFirst(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var first llm.Chunk
	select {
	case <-ctx.Done():
		go audio.Drain(ch)
		return nil, ctx.Err()
	case c, ok := <-ch:
		if !ok {
			return nil, errEmptyStream
		}
		if c.FinishReason == llm.FinishReasonError {
			go audio.Drain(ch)
			return nil, errors.New(c.Text)
		}
		first = c
	}

	out := make(chan llm.Chunk, 1)
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				audio.Drain(ch)
				return
			}
		}
	}()
	return out, nil
}
