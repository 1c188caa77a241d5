// Package mock provides a configurable test double for [memory.Store].
//
// Store records every method call for assertion in tests and delegates to an
// embedded [memory.MemStore] unless an *Err field is set.
//
// Typical usage:
//
//	store := &mock.Store{MergeCustomerErr: errors.New("db down")}
//	// inject store into the system under test …
//	if got := store.CallCount("MergeCustomer"); got != 1 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceloop/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	mem   memory.MemStore

	LoadPreferencesErr error
	SavePreferencesErr error
	LoadCustomerErr    error
	MergeCustomerErr   error
	ClearCustomerErr   error
	AppendTurnErr      error
}

func (m *Store) record(method string, args ...any) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	m.mu.Unlock()
}

func (m *Store) err(p *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *p
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Mem exposes the backing in-memory store for seeding and inspection.
func (m *Store) Mem() *memory.MemStore { return &m.mem }

// ─── memory.Store ────────────────────────────────────────────────────────────

// LoadPreferences implements [memory.Store].
func (m *Store) LoadPreferences(ctx context.Context, s memory.Scope) (map[string]string, error) {
	m.record("LoadPreferences", s)
	if err := m.err(&m.LoadPreferencesErr); err != nil {
		return nil, err
	}
	return m.mem.LoadPreferences(ctx, s)
}

// SavePreferences implements [memory.Store].
func (m *Store) SavePreferences(ctx context.Context, s memory.Scope, prefs map[string]string) error {
	m.record("SavePreferences", s, prefs)
	if err := m.err(&m.SavePreferencesErr); err != nil {
		return err
	}
	return m.mem.SavePreferences(ctx, s, prefs)
}

// LoadCustomer implements [memory.Store].
func (m *Store) LoadCustomer(ctx context.Context, s memory.Scope) (memory.CustomerContext, error) {
	m.record("LoadCustomer", s)
	if err := m.err(&m.LoadCustomerErr); err != nil {
		return memory.CustomerContext{}, err
	}
	return m.mem.LoadCustomer(ctx, s)
}

// MergeCustomer implements [memory.Store].
func (m *Store) MergeCustomer(ctx context.Context, s memory.Scope, c memory.CustomerContext) (memory.CustomerContext, error) {
	m.record("MergeCustomer", s, c)
	if err := m.err(&m.MergeCustomerErr); err != nil {
		return memory.CustomerContext{}, err
	}
	return m.mem.MergeCustomer(ctx, s, c)
}

// ClearCustomer implements [memory.Store].
func (m *Store) ClearCustomer(ctx context.Context, s memory.Scope) error {
	m.record("ClearCustomer", s)
	if err := m.err(&m.ClearCustomerErr); err != nil {
		return err
	}
	return m.mem.ClearCustomer(ctx, s)
}

// AppendTurn implements [memory.Store].
func (m *Store) AppendTurn(ctx context.Context, sessionID string, t memory.Turn) error {
	m.record("AppendTurn", sessionID, t)
	if err := m.err(&m.AppendTurnErr); err != nil {
		return err
	}
	return m.mem.AppendTurn(ctx, sessionID, t)
}
