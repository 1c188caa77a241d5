// Package mock has scripted stand-ins for the vad interfaces.
//
// A Session hands out its Events one per ProcessLevel call, which lets a
// test drive the listening loop through speech start and segment end
// without real audio.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/voiceloop/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// NewSessionCall is one recorded Engine.NewSession.
type NewSessionCall struct {
	Cfg vad.Config
}

// Engine opens Sessions. Precedence: NewSessionFunc, NewSessionErr,
// Session, then a fresh empty Session.
type Engine struct {
	Session        vad.SessionHandle
	NewSessionErr  error
	NewSessionFunc func(cfg vad.Config) (vad.SessionHandle, error)

	mu    sync.Mutex
	calls []NewSessionCall
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	e.calls = append(e.calls, NewSessionCall{Cfg: cfg})
	fn, sess, err := e.NewSessionFunc, e.Session, e.NewSessionErr
	e.mu.Unlock()

	switch {
	case fn != nil:
		return fn(cfg)
	case err != nil:
		return nil, err
	case sess != nil:
		return sess, nil
	}
	return &Session{}, nil
}

// Calls returns the NewSession calls so far.
func (e *Engine) Calls() []NewSessionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]NewSessionCall(nil), e.calls...)
}

// Level is one recorded Session.ProcessLevel.
type Level struct {
	Value float64
	At    time.Duration
}

// Session replays Events. Once they run out every level is EventNone.
type Session struct {
	Events     []vad.Event
	Current    vad.State
	Profile    vad.CalibrationProfile
	Calibrated bool
	CloseErr   error

	mu     sync.Mutex
	levels []Level
	resets int
	closes int
}

// ProcessLevel implements [vad.SessionHandle]. A scripted event without a
// position gets the level's.
func (s *Session) ProcessLevel(level float64, at time.Duration) vad.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, Level{Value: level, At: at})
	if len(s.Events) == 0 {
		return vad.Event{Type: vad.EventNone, Level: level, At: at}
	}
	ev := s.Events[0]
	s.Events = s.Events[1:]
	if ev.At == 0 {
		ev.At = at
	}
	return ev
}

func (s *Session) State() vad.State { return s.Current }

func (s *Session) Calibration() (vad.CalibrationProfile, bool) {
	return s.Profile, s.Calibrated
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return s.CloseErr
}

// Levels returns the levels processed so far.
func (s *Session) Levels() []Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Level(nil), s.levels...)
}

// Counts returns how often Reset and Close were called.
func (s *Session) Counts() (resets, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets, s.closes
}
