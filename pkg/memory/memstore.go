package memory

import (
	"context"
	"maps"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. The zero value is ready to use.
type MemStore struct {
	mu        sync.Mutex
	prefs     map[string]map[string]string
	customers map[Scope]CustomerContext
	turns     map[string][]Turn
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

// LoadPreferences implements [Store].
func (m *MemStore) LoadPreferences(_ context.Context, s Scope) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.prefs[s.ClientID]))
	maps.Copy(out, m.prefs[s.ClientID])
	return out, nil
}

// SavePreferences implements [Store].
func (m *MemStore) SavePreferences(_ context.Context, s Scope, prefs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefs == nil {
		m.prefs = make(map[string]map[string]string)
	}
	cur := m.prefs[s.ClientID]
	if cur == nil {
		cur = make(map[string]string, len(prefs))
		m.prefs[s.ClientID] = cur
	}
	maps.Copy(cur, prefs)
	return nil
}

// LoadCustomer implements [Store].
func (m *MemStore) LoadCustomer(_ context.Context, s Scope) (CustomerContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customers[s], nil
}

// MergeCustomer implements [Store].
func (m *MemStore) MergeCustomer(_ context.Context, s Scope, c CustomerContext) (CustomerContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.customers == nil {
		m.customers = make(map[Scope]CustomerContext)
	}
	merged := m.customers[s].Merge(c)
	m.customers[s] = merged
	return merged, nil
}

// ClearCustomer implements [Store].
func (m *MemStore) ClearCustomer(_ context.Context, s Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.customers, s)
	return nil
}

// AppendTurn implements [Store].
func (m *MemStore) AppendTurn(_ context.Context, sessionID string, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turns == nil {
		m.turns = make(map[string][]Turn)
	}
	m.turns[sessionID] = append(m.turns[sessionID], t)
	return nil
}

// SessionTurns returns a copy of the turn log of sessionID.
func (m *MemStore) SessionTurns(sessionID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns[sessionID]...)
}
