// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (a hosted gateway,
// Deepgram, OpenAI, or a local whisper.cpp server) and exposes a uniform
// request/response interface: one finished audio segment in, one transcript
// out. Language routing, timeouts and error classification live in the
// caller (internal/transcribe); providers only translate the wire format.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe sends one finished segment to the backend and returns its
	// transcript. An empty Transcript.Text with a nil error means the backend
	// recognised no speech.
	//
	// Returns [ErrMissingCredentials] when the provider was configured without
	// a token, and a [*StatusError] for non-2xx responses.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
