// Package energy provides the voice-energy VAD backend.
//
// The pipeline has two stages. [Analyzer] transforms raw PCM into one smoothed
// voice-band level per analysis window. [Engine] sessions consume those
// levels: they calibrate a background noise floor, then detect speech with
// hysteresis against an adaptive threshold:
//
//	threshold = backgroundNoiseLevel + baseThreshold(sensitivity)
//
// A level above threshold opens a candidate; only a candidate that persists for
// the minimum speech duration is reported as speech. Once speaking, a
// continuous sub-threshold run of the silence duration completes the segment.
package energy

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/pkg/provider/vad"
)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// NewSession implements [vad.Engine]. Zero fields in cfg take their defaults.
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	return &Session{cfg: cfg, base: cfg.BaseThreshold()}, nil
}

// Session is a single detector. It is safe for concurrent use, although a
// single producer is expected to feed it levels in timestamp order.
type Session struct {
	mu   sync.Mutex
	cfg  vad.Config
	base float64

	state     vad.State
	sum       float64
	n         int
	profile   vad.CalibrationProfile
	threshold float64

	candidateStart time.Duration
	silent         bool
	silenceStart   time.Duration
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)

// ProcessLevel implements [vad.SessionHandle].
func (s *Session) ProcessLevel(level float64, at time.Duration) vad.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	none := vad.Event{Type: vad.EventNone, Level: level, Threshold: s.threshold, At: at}

	switch s.state {
	case vad.StateClosed:
		return none

	case vad.StateCalibrating:
		s.sum += level
		s.n++
		if s.n < s.cfg.CalibrationSamples {
			return none
		}
		s.profile = vad.CalibrationProfile{
			BackgroundNoiseLevel: s.sum / float64(s.n),
			SampleCount:          s.n,
		}
		s.threshold = s.profile.BackgroundNoiseLevel + s.base
		s.state = vad.StateIdle
		return s.event(vad.EventCalibrated, level, at)

	case vad.StateIdle:
		if level <= s.threshold {
			return none
		}
		s.state = vad.StatePotentialSpeech
		s.candidateStart = at
		if s.cfg.MinSpeechDuration > 0 {
			return none
		}
		return s.startSpeaking(level, at)

	case vad.StatePotentialSpeech:
		if level <= s.threshold {
			s.state = vad.StateIdle
			return s.event(vad.EventFalseAlarm, level, at)
		}
		if at-s.candidateStart < s.cfg.MinSpeechDuration {
			return none
		}
		return s.startSpeaking(level, at)

	case vad.StateSpeaking:
		if level > s.threshold {
			s.silent = false
			return none
		}
		if !s.silent {
			s.silent = true
			s.silenceStart = at
		}
		if at-s.silenceStart < s.cfg.SilenceDuration {
			return none
		}
		s.state = vad.StateIdle
		s.silent = false
		return s.event(vad.EventSegmentComplete, level, at)
	}
	return none
}

func (s *Session) startSpeaking(level float64, at time.Duration) vad.Event {
	s.state = vad.StateSpeaking
	s.silent = false
	return s.event(vad.EventSpeechStart, level, at)
}

func (s *Session) event(t vad.EventType, level float64, at time.Duration) vad.Event {
	return vad.Event{Type: t, Level: level, Threshold: s.threshold, At: at}
}

// State implements [vad.SessionHandle].
func (s *Session) State() vad.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Calibration implements [vad.SessionHandle].
func (s *Session) Calibration() (vad.CalibrationProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile, s.profile.SampleCount > 0
}

// Reset implements [vad.SessionHandle]. A calibrated session returns to Idle;
// an uncalibrated one restarts calibration.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == vad.StateClosed {
		return
	}
	s.silent = false
	if s.profile.SampleCount > 0 {
		s.state = vad.StateIdle
		return
	}
	s.state = vad.StateCalibrating
	s.sum, s.n = 0, 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = vad.StateClosed
	return nil
}
