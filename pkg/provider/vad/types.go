package vad

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by [Config.WithDefaults].
const (
	DefaultSensitivity        = 5
	DefaultCalibrationSamples = 30
	DefaultMinSpeechDuration  = 200 * time.Millisecond
	DefaultSilenceDuration    = 1500 * time.Millisecond
	DefaultMinThreshold       = 18.0
	DefaultMaxThreshold       = 45.0
)

// Config holds the parameters for a VAD session. Levels and thresholds are in
// the analyser's 0–255 energy units.
type Config struct {
	// Sensitivity selects the base threshold on a 1..10 scale. The scale maps
	// linearly onto [MinThreshold, MaxThreshold]: 1 yields the lowest offset
	// above the noise floor, 10 the highest.
	Sensitivity int

	// CalibrationSamples is the number of level samples averaged into the
	// background noise level before detection is trusted.
	CalibrationSamples int

	// MinSpeechDuration is how long a candidate must stay above threshold
	// before it is confirmed as speech.
	MinSpeechDuration time.Duration

	// SilenceDuration is the continuous sub-threshold run that ends a segment.
	SilenceDuration time.Duration

	// MinThreshold and MaxThreshold bound the base threshold range.
	MinThreshold float64
	MaxThreshold float64
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Sensitivity == 0 {
		c.Sensitivity = DefaultSensitivity
	}
	if c.CalibrationSamples == 0 {
		c.CalibrationSamples = DefaultCalibrationSamples
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.MinThreshold == 0 && c.MaxThreshold == 0 {
		c.MinThreshold, c.MaxThreshold = DefaultMinThreshold, DefaultMaxThreshold
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Sensitivity < 1 || c.Sensitivity > 10 {
		errs = append(errs, fmt.Errorf("vad: sensitivity %d out of range 1..10", c.Sensitivity))
	}
	if c.CalibrationSamples < 1 {
		errs = append(errs, fmt.Errorf("vad: calibration samples must be positive, got %d", c.CalibrationSamples))
	}
	if c.MinSpeechDuration < 0 || c.SilenceDuration <= 0 {
		errs = append(errs, errors.New("vad: speech and silence durations must be positive"))
	}
	if c.MaxThreshold < c.MinThreshold {
		errs = append(errs, fmt.Errorf("vad: max threshold %.1f below min threshold %.1f", c.MaxThreshold, c.MinThreshold))
	}
	return errors.Join(errs...)
}

// BaseThreshold maps the 1..10 sensitivity onto [MinThreshold, MaxThreshold].
// Out-of-range values are clamped.
func (c Config) BaseThreshold() float64 {
	s := min(max(c.Sensitivity, 1), 10)
	return c.MinThreshold + float64(s-1)*(c.MaxThreshold-c.MinThreshold)/9
}

// CalibrationProfile is the noise floor measured at the start of a listening
// activation.
type CalibrationProfile struct {
	BackgroundNoiseLevel float64
	SampleCount          int
}

// State enumerates detector states.
type State int

const (
	StateCalibrating State = iota
	StateIdle
	StatePotentialSpeech
	StateSpeaking
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "calibrating"
	case StateIdle:
		return "idle"
	case StatePotentialSpeech:
		return "potential_speech"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType enumerates the events a session can emit.
type EventType int

const (
	// EventNone means the sample caused no boundary change.
	EventNone EventType = iota

	// EventCalibrated is emitted once, on the sample that completes calibration.
	EventCalibrated

	// EventSpeechStart is emitted when a candidate has persisted long enough to
	// count as speech.
	EventSpeechStart

	// EventFalseAlarm is emitted when a candidate fell below threshold before
	// reaching the minimum speech duration.
	EventFalseAlarm

	// EventSegmentComplete is emitted when speech was followed by a full
	// silence window.
	EventSegmentComplete
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventCalibrated:
		return "calibrated"
	case EventSpeechStart:
		return "speech_start"
	case EventFalseAlarm:
		return "false_alarm"
	case EventSegmentComplete:
		return "segment_complete"
	default:
		return "unknown"
	}
}

// Event is the result of processing one level sample.
type Event struct {
	Type EventType

	// Level is the sample that produced the event.
	Level float64

	// Threshold is the adaptive threshold in effect.
	Threshold float64

	// At is the sample timestamp.
	At time.Duration
}
