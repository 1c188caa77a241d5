// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one sanitized sentence into one playable audio clip.
// Ordering, look-ahead and playback are the caller's concern
// (internal/speech); providers only translate the vendor wire format.
//
// Implementations must be safe for concurrent use: the speech queue
// synthesizes several sentences ahead of playback in parallel.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req.Text with req.Voice and returns the complete
	// clip. Returns [ErrMissingCredentials] when the provider was configured
	// without a token.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
