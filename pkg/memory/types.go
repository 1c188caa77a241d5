package memory

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Preference keys persisted per client. Values are stored as strings.
const (
	// PrefLanguage holds the ISO-639-1 language code the client last used.
	PrefLanguage = "voice.language"

	// PrefContinuousMode holds "true" when hands-free listening was enabled.
	PrefContinuousMode = "voice.continuous_mode"

	// PrefSensitivity holds the detector sensitivity, "1".."10".
	PrefSensitivity = "voice.sensitivity"
)

// DefaultHistoryWindow is the number of most recent turns replayed to the
// dialogue engine.
const DefaultHistoryWindow = 6

// Role identifies who produced a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance of the conversation. Turns are immutable once
// appended to a [Transcript].
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Transcript is the ordered, append-only list of turns of a session.
// It is safe for concurrent use.
type Transcript struct {
	mu    sync.RWMutex
	turns []Turn
}

// Append adds t to the end of the transcript. A zero Timestamp is set to now.
func (tr *Transcript) Append(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	tr.mu.Lock()
	tr.turns = append(tr.turns, t)
	tr.mu.Unlock()
}

// Turns returns a copy of all turns in order.
func (tr *Transcript) Turns() []Turn {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return append([]Turn(nil), tr.turns...)
}

// Last returns a copy of at most the n most recent turns, oldest first.
func (tr *Transcript) Last(n int) []Turn {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(tr.turns)-n, 0)
	return append([]Turn(nil), tr.turns[start:]...)
}

// Len returns the number of turns.
func (tr *Transcript) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.turns)
}

// Reset drops every turn.
func (tr *Transcript) Reset() {
	tr.mu.Lock()
	tr.turns = nil
	tr.mu.Unlock()
}

// CustomerContext holds facts the agent learned about the caller.
type CustomerContext struct {
	Name         string            `json:"name,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	Email        string            `json:"email,omitempty"`
	Address      string            `json:"address,omitempty"`
	OrderDetails string            `json:"order_details,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	LastUpdated  time.Time         `json:"last_updated,omitzero"`
}

// IsEmpty reports whether c carries no facts. LastUpdated is ignored.
func (c CustomerContext) IsEmpty() bool {
	return c.Name == "" && c.Phone == "" && c.Email == "" && c.Address == "" &&
		c.OrderDetails == "" && len(c.Extra) == 0
}

// Merge returns c updated with the non-empty fields of in. Fields that in
// leaves empty keep their current value; Extra is merged key by key.
// LastUpdated advances when anything was merged.
func (c CustomerContext) Merge(in CustomerContext) CustomerContext {
	out := c
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&out.Name, in.Name)
	set(&out.Phone, in.Phone)
	set(&out.Email, in.Email)
	set(&out.Address, in.Address)
	set(&out.OrderDetails, in.OrderDetails)
	if len(in.Extra) > 0 {
		extra := make(map[string]string, len(c.Extra)+len(in.Extra))
		for k, v := range c.Extra {
			extra[k] = v
		}
		for k, v := range in.Extra {
			if v != "" {
				extra[k] = v
			}
		}
		out.Extra = extra
	}
	if !in.IsEmpty() {
		out.LastUpdated = time.Now()
		if !in.LastUpdated.IsZero() {
			out.LastUpdated = in.LastUpdated
		}
	}
	return out
}

// Preferences is the typed view of the persisted preference keys. Zero values
// mean "not stored".
type Preferences struct {
	Language    string
	Continuous  *bool
	Sensitivity int
}

// PreferencesFromMap parses stored preference values. Malformed entries are
// ignored.
func PreferencesFromMap(m map[string]string) Preferences {
	var p Preferences
	p.Language = strings.TrimSpace(m[PrefLanguage])
	if v, ok := m[PrefContinuousMode]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			p.Continuous = &b
		}
	}
	if v, err := strconv.Atoi(m[PrefSensitivity]); err == nil && v >= 1 && v <= 10 {
		p.Sensitivity = v
	}
	return p
}

// Map encodes p into preference key/value pairs. Unset fields are omitted.
func (p Preferences) Map() map[string]string {
	m := make(map[string]string, 3)
	if p.Language != "" {
		m[PrefLanguage] = p.Language
	}
	if p.Continuous != nil {
		m[PrefContinuousMode] = strconv.FormatBool(*p.Continuous)
	}
	if p.Sensitivity > 0 {
		m[PrefSensitivity] = strconv.Itoa(p.Sensitivity)
	}
	return m
}
