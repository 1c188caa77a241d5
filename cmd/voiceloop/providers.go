package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/dialogue"
	dialoguegw "github.com/MrWong99/voiceloop/internal/dialogue/gateway"
	"github.com/MrWong99/voiceloop/pkg/provider/llm"
	"github.com/MrWong99/voiceloop/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/voiceloop/pkg/provider/llm/openai"
	"github.com/MrWong99/voiceloop/pkg/provider/stt"
	"github.com/MrWong99/voiceloop/pkg/provider/stt/deepgram"
	sttgw "github.com/MrWong99/voiceloop/pkg/provider/stt/gateway"
	oaistt "github.com/MrWong99/voiceloop/pkg/provider/stt/openai"
	"github.com/MrWong99/voiceloop/pkg/provider/stt/whisper"
	"github.com/MrWong99/voiceloop/pkg/provider/tts"
	"github.com/MrWong99/voiceloop/pkg/provider/tts/coqui"
	"github.com/MrWong99/voiceloop/pkg/provider/tts/elevenlabs"
	ttsgw "github.com/MrWong99/voiceloop/pkg/provider/tts/gateway"
	oaitts "github.com/MrWong99/voiceloop/pkg/provider/tts/openai"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
	"github.com/MrWong99/voiceloop/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm. Local servers such as
	// ollama take only a BaseURL.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oaistt.WithPrompt(prompt))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		return oaistt.New(entry.APIKey, opts...), nil
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if terms := optStrings(entry.Options, "keyterms"); len(terms) > 0 {
			opts = append(opts, deepgram.WithKeyterms(terms...))
		}
		return deepgram.New(entry.APIKey, opts...), nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("gateway", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttgw.Option
		if path := optString(entry.Options, "path"); path != "" {
			opts = append(opts, sttgw.WithPath(path))
		}
		return sttgw.New(entry.BaseURL, entry.APIKey, opts...)
	})

	// ── Dialogue ──────────────────────────────────────────────────────────────
	// "llm" is not a registry entry; app.BuildProviders builds it from the
	// llm provider section.

	reg.RegisterDialogue("gateway", func(entry config.ProviderEntry) (dialogue.Backend, error) {
		var opts []dialoguegw.Option
		stream, complete := optString(entry.Options, "stream_path"), optString(entry.Options, "complete_path")
		if stream != "" || complete != "" {
			opts = append(opts, dialoguegw.WithPaths(stream, complete))
		}
		if d := optDuration(entry.Options, "complete_timeout"); d > 0 {
			opts = append(opts, dialoguegw.WithCompleteTimeout(d))
		}
		return dialoguegw.New(entry.BaseURL, entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if s := optString(entry.Options, "instructions"); s != "" {
			opts = append(opts, oaitts.WithInstructions(s))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaitts.WithTimeout(d))
		}
		return oaitts.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if ws := optString(entry.Options, "ws_base_url"); ws != "" && entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURLs(ws, entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...), nil
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("gateway", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsgw.Option
		if path := optString(entry.Options, "path"); path != "" {
			opts = append(opts, ttsgw.WithPath(path))
		}
		if entry.Model != "" {
			opts = append(opts, ttsgw.WithModel(entry.Model))
		}
		return ttsgw.New(entry.BaseURL, entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.Engine{}, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Option helpers ────────────────────────────────────────────────────────────

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings reads a YAML list of strings; non-string items are skipped.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optDuration accepts a Go duration string ("5s") or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
