package tts

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingCredentials is returned when a provider that needs an API token
// was constructed without one.
var ErrMissingCredentials = errors.New("tts: missing credentials")

// VoiceProfile describes the voice used to render an agent's replies.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is a human-readable name for the voice.
	Name string

	// Provider names the TTS backend the ID belongs to (e.g., "elevenlabs").
	Provider string

	// Model optionally overrides the provider's default synthesis model.
	Model string

	// SpeedFactor scales speaking rate; 1.0 or 0 means normal speed.
	SpeedFactor float64

	// Metadata holds provider-specific attributes (labels, accent, ...).
	Metadata map[string]string
}

// Request is one synthesis job.
type Request struct {
	// Text is the sanitized sentence to speak.
	Text string

	// Voice selects the voice.
	Voice VoiceProfile

	// Language is the ISO-639-1 code of Text, for multilingual models.
	Language string
}

// Audio is a synthesized clip.
type Audio struct {
	// Data is the encoded audio.
	Data []byte

	// MIMEType describes Data: "audio/wav", "audio/mpeg", ...
	MIMEType string

	// SampleRate is set when known.
	SampleRate int
}

// StatusError reports a non-2xx HTTP response from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "…"
	}
	if body == "" {
		return fmt.Sprintf("%s: server returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Provider, e.StatusCode, body)
}

// SniffMIME guesses the MIME type of an audio payload from its magic bytes.
// It falls back to fallback when the format is not recognised.
func SniffMIME(b []byte, fallback string) string {
	switch {
	case len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE":
		return "audio/wav"
	case len(b) >= 3 && string(b[0:3]) == "ID3":
		return "audio/mpeg"
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case len(b) >= 4 && string(b[0:4]) == "OggS":
		return "audio/ogg"
	case len(b) >= 4 && string(b[0:4]) == "fLaC":
		return "audio/flac"
	}
	return fallback
}
