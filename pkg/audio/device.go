// Package audio defines the audio types and device abstractions used by the
// voice pipeline.
//
// The primary abstractions are:
//
//   - [Device]: a microphone that can be opened exclusively and yields a [Stream].
//   - [Player]: plays synthesized [Clip] values and blocks until playback ends.
//   - [Indicator]: mirrors the recording state on the user's device.
//
// Implementations live in adapter packages (e.g., audio/wsdevice). The
// interfaces are intentionally narrow so the orchestrator stays decoupled from
// the transport that carries audio to and from the user.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Device.Open] when the user declined
	// microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned by [Device.Open] when no input device
	// exists or the device went away.
	ErrDeviceUnavailable = errors.New("audio: input device unavailable")

	// ErrPlaybackBlocked is returned by [Player.Play] when the client refused
	// to start playback (autoplay policy).
	ErrPlaybackBlocked = errors.New("audio: playback blocked by client")
)

// Stream is an open microphone stream.
//
// Frames returns the same channel on every call. The channel is closed when
// the stream ends, either because Close was called or because the device
// went away.
type Stream interface {
	Frames() <-chan AudioFrame
	Close() error
}

// Device is an exclusive microphone.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open requests the microphone stream. It fails with [ErrPermissionDenied]
	// or [ErrDeviceUnavailable]. ctx governs only the open attempt.
	Open(ctx context.Context) (Stream, error)
}

// Player plays synthesized speech to the user.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Play sends clip to the user and blocks until playback has completed,
	// ctx is cancelled, or Stop is called. Returns [ErrPlaybackBlocked] when
	// the client refused playback.
	Play(ctx context.Context, clip Clip) error

	// Stop halts the clip currently playing, if any.
	Stop() error
}

// Indicator toggles the capture indicator on the user's device.
type Indicator interface {
	SetRecording(recording bool)
}

// IndicatorFunc adapts a plain function to [Indicator].
type IndicatorFunc func(recording bool)

// SetRecording implements [Indicator].
func (f IndicatorFunc) SetRecording(recording bool) { f(recording) }
