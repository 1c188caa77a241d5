package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":      {"openai", "deepgram", "whisper", "gateway"},
	"tts":      {"openai", "elevenlabs", "coqui", "gateway"},
	"dialogue": {"llm", "gateway"},
	"vad":      {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if len(cfg.Providers.STT) == 0 {
		errs = append(errs, errors.New("providers.stt needs at least one route"))
	}
	for i, r := range cfg.Providers.STT {
		prefix := fmt.Sprintf("providers.stt[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(r.Languages) == 0 {
			errs = append(errs, fmt.Errorf("%s.languages is required; use \"*\" for any language", prefix))
		}
		validateEntry("stt", r.ProviderEntry)
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateEntry("tts", cfg.Providers.TTS)
	validateEntry("dialogue", cfg.Providers.Dialogue)
	validateEntry("vad", cfg.Providers.VAD)
	if cfg.Providers.Dialogue.Name == "llm" {
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("providers.llm is required when providers.dialogue is \"llm\""))
		} else if cfg.Providers.LLM.Model == "" {
			errs = append(errs, errors.New("providers.llm.model is required"))
		}
		validateEntry("llm", cfg.Providers.LLM)
	}

	// Voice
	v := cfg.Voice
	if v.Sensitivity < 1 || v.Sensitivity > 10 {
		errs = append(errs, fmt.Errorf("voice.sensitivity %d is out of range [1, 10]", v.Sensitivity))
	}
	if v.MaxSilenceRetries < 0 {
		errs = append(errs, fmt.Errorf("voice.max_silence_retries %d must not be negative", v.MaxSilenceRetries))
	}
	for name, d := range map[string]int64{
		"silence_timeout":     int64(v.SilenceTimeout),
		"stop_grace":          int64(v.StopGrace),
		"resume_delay":        int64(v.ResumeDelay),
		"min_segment":         int64(v.MinSegment),
		"transcribe_timeout":  int64(v.TranscribeTimeout),
		"error_resume_delay":  int64(v.ErrorResumeDelay),
		"detector.min_speech": int64(v.Detector.MinSpeech),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("voice.%s must not be negative", name))
		}
	}
	if v.LookAhead < 1 {
		errs = append(errs, fmt.Errorf("voice.look_ahead %d must be at least 1", v.LookAhead))
	}
	if v.ContinuousGain < 0 {
		errs = append(errs, fmt.Errorf("voice.continuous_gain %.2f must not be negative", v.ContinuousGain))
	}
	d := v.Detector
	if d.CalibrationSamples < 1 {
		errs = append(errs, fmt.Errorf("voice.detector.calibration_samples %d must be at least 1", d.CalibrationSamples))
	}
	if d.MinSilence <= 0 {
		errs = append(errs, errors.New("voice.detector.min_silence must be positive"))
	}
	if d.MinThreshold < 0 || d.MaxThreshold > 255 || d.MaxThreshold < d.MinThreshold {
		errs = append(errs, fmt.Errorf("voice.detector thresholds [%.1f, %.1f] must be an ascending range within [0, 255]", d.MinThreshold, d.MaxThreshold))
	}

	// Agents
	if len(cfg.Agents) == 0 {
		errs = append(errs, errors.New("agents needs at least one entry"))
	}
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			seen[a.ID] = i
		}
		if a.Voice.Speed != 0 && (a.Voice.Speed < 0.5 || a.Voice.Speed > 2.0) {
			errs = append(errs, fmt.Errorf("%s.voice.speed %.2f is out of range [0.5, 2.0]", prefix, a.Voice.Speed))
		}
		for lang, v := range a.Voices {
			if v.ID == "" {
				errs = append(errs, fmt.Errorf("%s.voices.%s.id is required", prefix, lang))
			}
			if v.Speed != 0 && (v.Speed < 0.5 || v.Speed > 2.0) {
				errs = append(errs, fmt.Errorf("%s.voices.%s.speed %.2f is out of range [0.5, 2.0]", prefix, lang, v.Speed))
			}
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, a.Temperature))
		}
	}

	if r := cfg.Telemetry.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %.2f is out of range [0, 1]", r))
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; preferences and customer context will not survive a restart")
	}

	return errors.Join(errs...)
}

// validateEntry warns about unknown provider names for the entry and each
// of its fallbacks.
func validateEntry(kind string, e ProviderEntry) {
	validateProviderName(kind, e.Name)
	for _, fb := range e.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
