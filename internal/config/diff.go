package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SensitivityChanged bool
	NewSensitivity     int

	SilenceTimeoutChanged bool
	NewSilenceTimeout     time.Duration

	// RestartRequired lists top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SensitivityChanged && !d.SilenceTimeoutChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.Sensitivity != new.Voice.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = new.Voice.Sensitivity
	}
	if old.Voice.SilenceTimeout != new.Voice.SilenceTimeout {
		d.SilenceTimeoutChanged = true
		d.NewSilenceTimeout = new.Voice.SilenceTimeout
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.AuthToken != new.Server.AuthToken {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !sameAgents(old.Agents, new.Agents) {
		d.RestartRequired = append(d.RestartRequired, "agents")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameAgents(a, b []AgentConfig) bool {
	return slices.Equal(a, b)
}

func sameProviders(a, b ProvidersConfig) bool {
	if len(a.STT) != len(b.STT) {
		return false
	}
	for i := range a.STT {
		if !sameEntry(a.STT[i].ProviderEntry, b.STT[i].ProviderEntry) || !slices.Equal(a.STT[i].Languages, b.STT[i].Languages) {
			return false
		}
	}
	return sameEntry(a.Dialogue, b.Dialogue) && sameEntry(a.LLM, b.LLM) &&
		sameEntry(a.TTS, b.TTS) && sameEntry(a.VAD, b.VAD)
}

// sameEntry compares the identifying fields of two entries. Options are
// not compared.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
