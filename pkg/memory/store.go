// Package memory holds the conversation state that outlives a single turn:
// the session transcript, the facts learned about the customer, and the
// client's voice preferences.
//
// [Store] is the persistence boundary. [MemStore] keeps everything in process
// and is the default; the postgres sub-package provides a durable store.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores that were closed.
var ErrClosed = errors.New("memory: store closed")

// Scope identifies whose state is addressed. Preferences are keyed by
// ClientID alone; customer context by AgentID and ClientID.
type Scope struct {
	AgentID  string
	ClientID string
}

// Store persists preferences, customer context and the turn log.
type Store interface {
	// LoadPreferences returns the stored preference values for the client.
	// Unknown clients yield an empty, non-nil map.
	LoadPreferences(ctx context.Context, s Scope) (map[string]string, error)

	// SavePreferences upserts the given keys; keys not in prefs are kept.
	SavePreferences(ctx context.Context, s Scope, prefs map[string]string) error

	// LoadCustomer returns the stored customer context, or the zero value.
	LoadCustomer(ctx context.Context, s Scope) (CustomerContext, error)

	// MergeCustomer merges c into the stored context using
	// [CustomerContext.Merge] semantics and returns the result.
	MergeCustomer(ctx context.Context, s Scope, c CustomerContext) (CustomerContext, error)

	// ClearCustomer deletes the stored customer context.
	ClearCustomer(ctx context.Context, s Scope) error

	// AppendTurn adds t to the turn log of sessionID.
	AppendTurn(ctx context.Context, sessionID string, t Turn) error
}
