package stt

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingCredentials is returned when a provider that needs an API token
// was constructed without one. Providers accept an empty token at
// construction so a misconfigured deployment fails per request instead of at
// startup.
var ErrMissingCredentials = errors.New("stt: missing credentials")

// Request is one transcription job.
type Request struct {
	// Audio is the encoded segment (see MIMEType).
	Audio []byte

	// MIMEType describes Audio, e.g. "audio/wav".
	MIMEType string

	// SampleRate of the audio in Hz; informational for self-describing formats.
	SampleRate int

	// Language is the ISO-639-1 code to recognise (e.g., "en", "de").
	Language string
}

// Transcript is the result of a transcription job.
type Transcript struct {
	// Text is the recognised speech, trimmed.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Language is the language the provider reports, if any.
	Language string

	// Latency is the wall-clock time the provider took.
	Latency time.Duration
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

// Unauthorized reports whether the status denotes an authentication failure.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
