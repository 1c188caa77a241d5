package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/internal/dialogue/llmbackend"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/internal/resilience"
	"github.com/MrWong99/voiceloop/internal/transcribe"
	"github.com/MrWong99/voiceloop/pkg/provider/llm"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
)

// DialogueLLM is the dialogue provider name that runs the dialogue on the
// configured LLM instead of a remote gateway.
const DialogueLLM = "llm"

// Providers holds the shared provider instances every session draws from.
// Populated by [BuildProviders] or injected directly in tests.
type Providers struct {
	// STT lists the transcription routes in priority order.
	STT []transcribe.Route

	// Dialogue produces agent replies.
	Dialogue     dialogue.Backend
	DialogueName string

	TTS     tts.Provider
	TTSName string

	VAD vad.Engine
}

func (p *Providers) validate() error {
	var errs []error
	if len(p.STT) == 0 {
		errs = append(errs, errors.New("at least one stt route is required"))
	}
	if p.Dialogue == nil {
		errs = append(errs, errors.New("dialogue backend is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("vad engine is required"))
	}
	return errors.Join(errs...)
}

// BuildProviders instantiates every provider named in cfg through reg.
// Entries with fallbacks are wrapped in the matching resilience group so a
// failing vendor is skipped while its circuit breaker is open.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	for _, route := range cfg.Providers.STT {
		p, err := buildSTT(reg, route.ProviderEntry)
		if err != nil {
			return nil, err
		}
		ps.STT = append(ps.STT, transcribe.Route{Name: route.Name, Provider: p, Languages: route.Languages})
		slog.Info("provider created", "kind", "stt", "name", route.Name, "languages", route.Languages)
	}

	dlg, err := buildDialogue(cfg, reg)
	if err != nil {
		return nil, err
	}
	ps.Dialogue = dlg
	ps.DialogueName = cfg.Providers.Dialogue.Name
	slog.Info("provider created", "kind", "dialogue", "name", ps.DialogueName)

	ps.TTS, err = buildTTS(reg, cfg.Providers.TTS)
	if err != nil {
		return nil, err
	}
	ps.TTSName = cfg.Providers.TTS.Name
	slog.Info("provider created", "kind", "tts", "name", ps.TTSName)

	ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.Providers.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	return ps, nil
}

// fallbackConfig counts circuit breaker transitions of kind on the default
// metrics.
func fallbackConfig(kind string) resilience.FallbackConfig {
	m := observe.DefaultMetrics()
	return resilience.FallbackConfig{Breaker: resilience.BreakerConfig{
		OnTransition: func(name string, _, to resilience.State) {
			m.RecordCircuitTransition(context.Background(), name, kind, to.String())
		},
	}}
}

func buildSTT(reg *config.Registry, entry config.ProviderEntry) (stt.Provider, error) {
	primary, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewSTTFallback(primary, entry.Name, fallbackConfig("stt"))
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

func buildTTS(reg *config.Registry, entry config.ProviderEntry) (tts.Provider, error) {
	primary, err := reg.CreateTTS(entry)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewTTSFallback(primary, entry.Name, fallbackConfig("tts"))
	for _, fb := range entry.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
		}
		voice, _ := fb.Options["voice"].(string)
		group.AddFallback(fb.Name, p, voice)
	}
	return group, nil
}

// buildDialogue creates the dialogue backend. For [DialogueLLM] every LLM
// fallback is also selectable by name through an agent's provider setting.
func buildDialogue(cfg *config.Config, reg *config.Registry) (dialogue.Backend, error) {
	entry := cfg.Providers.Dialogue
	if entry.Name != DialogueLLM {
		b, err := reg.CreateDialogue(entry)
		if err != nil {
			return nil, fmt.Errorf("create dialogue backend %q: %w", entry.Name, err)
		}
		return b, nil
	}

	llmEntry := cfg.Providers.LLM
	primary, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", llmEntry.Name, err)
	}

	var (
		def  llm.Provider = primary
		opts []llmbackend.Option
	)
	if len(llmEntry.Fallbacks) > 0 {
		group := resilience.NewLLMFallback(primary, llmEntry.Name, fallbackConfig("llm"))
		for _, fb := range llmEntry.Fallbacks {
			p, err := reg.CreateLLM(fb)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			group.AddFallback(fb.Name, p)
			opts = append(opts, llmbackend.WithProvider(fb.Name, p))
		}
		def = group
	}
	b, err := llmbackend.New(llmEntry.Name, def, opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm dialogue: %w", err)
	}
	return b, nil
}
