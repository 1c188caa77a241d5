package app

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrDraining is returned by [SessionManager.Add] once shutdown has begun.
var ErrDraining = errors.New("app: server is draining")

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	// SessionID is the orchestrator session ID.
	SessionID string

	// AgentID names the agent the client talks to.
	AgentID string

	// ClientID identifies the end user.
	ClientID string

	// StartedAt is when the client connected.
	StartedAt time.Time
}

type managed struct {
	info SessionInfo
	vs   *voiceSession
}

// SessionManager tracks the live voice sessions of the server.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]managed
	draining bool
	wg       sync.WaitGroup
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]managed)}
}

// Add registers vs. The returned release func must be called when the
// session has ended.
func (sm *SessionManager) Add(vs *voiceSession, clientID string) (release func(), err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining {
		return nil, ErrDraining
	}
	sm.sessions[vs.id] = managed{
		info: SessionInfo{
			SessionID: vs.id,
			AgentID:   vs.agent.ID,
			ClientID:  clientID,
			StartedAt: time.Now().UTC(),
		},
		vs: vs,
	}
	sm.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			sm.mu.Lock()
			delete(sm.sessions, vs.id)
			sm.mu.Unlock()
			sm.wg.Done()
		})
	}, nil
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// List returns the live sessions ordered by start time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for m := range maps.Values(sm.sessions) {
		infos = append(infos, m.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(infos, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return infos
}

// CloseAll refuses new sessions, disconnects every live client and waits
// until their sessions have been persisted or ctx expires.
func (sm *SessionManager) CloseAll(ctx context.Context, reason string) error {
	sm.mu.Lock()
	sm.draining = true
	live := make([]*voiceSession, 0, len(sm.sessions))
	for m := range maps.Values(sm.sessions) {
		live = append(live, m.vs)
	}
	sm.mu.Unlock()

	for _, vs := range live {
		vs.close(reason)
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
