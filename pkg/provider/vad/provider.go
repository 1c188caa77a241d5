// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine turns a stream of scalar voice-energy levels (see
// energy.Analyzer) into speech boundary events. Each session calibrates its
// own noise floor and keeps its own hysteresis state, so several client
// streams can be processed independently.
//
// ProcessLevel is synchronous and driven only by the timestamps it is given,
// never by a wall clock.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "time"

// SessionHandle represents an active VAD session for a single listening
// activation.
type SessionHandle interface {
	// ProcessLevel feeds one level sample captured at offset at (relative to the
	// activation start). It returns the event produced by the sample, which is
	// [EventNone] for the vast majority of samples.
	ProcessLevel(level float64, at time.Duration) Event

	// State returns the current detector state.
	State() State

	// Calibration returns the noise profile. ok is false until calibration
	// has completed.
	Calibration() (profile CalibrationProfile, ok bool)

	// Reset returns the detector to Idle, keeping the calibration. Use it when
	// a segment was consumed and listening resumes on the same activation.
	Reset()

	// Close releases the session. Further ProcessLevel calls return
	// [EventNone]. Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new session that starts in [StateCalibrating].
	// Returns an error if cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
