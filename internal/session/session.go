// Package session holds the per-connection state of a voice conversation.
//
// A [Session] is created when a client connects and carries the settings
// the user can toggle (language, hands-free mode, detector sensitivity).
// [MemoryGuard] wraps the persistence layer so that a failing store degrades
// a session instead of ending it.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voiceloop/pkg/memory"
	"github.com/MrWong99/voiceloop/pkg/provider/vad"
)

// DefaultLanguage is used when neither the client nor the stored
// preferences name a language.
const DefaultLanguage = "en"

// Session is a snapshot of one conversation's settings.
type Session struct {
	// ID is a random UUIDv4.
	ID string

	// AgentID names the agent configuration the client talks to.
	AgentID string

	// ClientID identifies the end user across sessions. Preferences and
	// customer context are keyed by it.
	ClientID string

	// Language is the ISO-639-1 code used for transcription and synthesis.
	Language string

	// Continuous enables hands-free listening.
	Continuous bool

	// Sensitivity is the detector sensitivity, 1..10.
	Sensitivity int

	// State is the orchestrator state name.
	State string

	StartedAt time.Time
}

// New creates a Session with a fresh ID and default settings.
func New(agentID, clientID string) Session {
	return Session{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		ClientID:    clientID,
		Language:    DefaultLanguage,
		Sensitivity: vad.DefaultSensitivity,
		State:       "idle",
		StartedAt:   time.Now(),
	}
}

// Scope returns the persistence scope of the session.
func (s Session) Scope() memory.Scope {
	return memory.Scope{AgentID: s.AgentID, ClientID: s.ClientID}
}

// Apply overrides the settings with the stored preferences that are set.
func (s *Session) Apply(p memory.Preferences) {
	if p.Language != "" {
		s.Language = p.Language
	}
	if p.Continuous != nil {
		s.Continuous = *p.Continuous
	}
	if p.Sensitivity > 0 {
		s.Sensitivity = p.Sensitivity
	}
}

// Preferences returns the settings in their persisted form.
func (s Session) Preferences() memory.Preferences {
	continuous := s.Continuous
	return memory.Preferences{
		Language:    s.Language,
		Continuous:  &continuous,
		Sensitivity: s.Sensitivity,
	}
}

// ValidateSensitivity reports whether n is on the 1..10 scale.
func ValidateSensitivity(n int) error {
	if n < 1 || n > 10 {
		return fmt.Errorf("session: sensitivity %d out of range 1..10", n)
	}
	return nil
}
