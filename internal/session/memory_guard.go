package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voiceloop/pkg/memory"
)

// MemoryGuard wraps a [memory.Store] and makes all operations non-fatal. If
// the underlying store fails, reads return empty values and writes are
// dropped, with a warning logged instead of an error returned.
//
// A conversation keeps working from its in-process state while the database
// restarts or the network is partitioned. [MemoryGuard.IsDegraded] reports
// whether the most recent store operation failed.
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.Store
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store memory.Store) *MemoryGuard {
	return &MemoryGuard{store: store}
}

func (mg *MemoryGuard) observe(op string, err error, attrs ...any) {
	if err == nil {
		mg.degraded.Store(false)
		return
	}
	mg.degraded.Store(true)
	slog.Warn("memory guard: "+op+" failed, continuing without persistence", append(attrs, "err", err)...)
}

// LoadPreferences returns an empty map when the store fails.
func (mg *MemoryGuard) LoadPreferences(ctx context.Context, s memory.Scope) (map[string]string, error) {
	prefs, err := mg.store.LoadPreferences(ctx, s)
	mg.observe("LoadPreferences", err, "client_id", s.ClientID)
	if err != nil || prefs == nil {
		return map[string]string{}, nil
	}
	return prefs, nil
}

// SavePreferences swallows store failures.
func (mg *MemoryGuard) SavePreferences(ctx context.Context, s memory.Scope, prefs map[string]string) error {
	mg.observe("SavePreferences", mg.store.SavePreferences(ctx, s, prefs), "client_id", s.ClientID)
	return nil
}

// LoadCustomer returns the zero context when the store fails.
func (mg *MemoryGuard) LoadCustomer(ctx context.Context, s memory.Scope) (memory.CustomerContext, error) {
	c, err := mg.store.LoadCustomer(ctx, s)
	mg.observe("LoadCustomer", err, "agent_id", s.AgentID, "client_id", s.ClientID)
	if err != nil {
		return memory.CustomerContext{}, nil
	}
	return c, nil
}

// MergeCustomer returns c merged into nothing when the store fails, so the
// caller can still merge it into its in-process copy.
func (mg *MemoryGuard) MergeCustomer(ctx context.Context, s memory.Scope, c memory.CustomerContext) (memory.CustomerContext, error) {
	merged, err := mg.store.MergeCustomer(ctx, s, c)
	mg.observe("MergeCustomer", err, "agent_id", s.AgentID, "client_id", s.ClientID)
	if err != nil {
		return memory.CustomerContext{}.Merge(c), nil
	}
	return merged, nil
}

// ClearCustomer swallows store failures.
func (mg *MemoryGuard) ClearCustomer(ctx context.Context, s memory.Scope) error {
	mg.observe("ClearCustomer", mg.store.ClearCustomer(ctx, s), "agent_id", s.AgentID, "client_id", s.ClientID)
	return nil
}

// AppendTurn swallows store failures.
func (mg *MemoryGuard) AppendTurn(ctx context.Context, sessionID string, t memory.Turn) error {
	mg.observe("AppendTurn", mg.store.AppendTurn(ctx, sessionID, t), "session_id", sessionID)
	return nil
}

// IsDegraded reports whether the most recent operation on the underlying
// store failed.
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

// Compile-time check that MemoryGuard satisfies memory.Store.
var _ memory.Store = (*MemoryGuard)(nil)
