// Package health serves the liveness and readiness checks.
//
//   - /healthz reports that the process serves HTTP and how many voice
//     sessions are live.
//   - /readyz returns 200 only when every registered [Checker] passes and
//     the server is not draining.
//
// Responses are JSON objects with a top-level "status" field ("ok", "fail"
// or "draining").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name appears as a key in the /readyz response (e.g. "database").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is a dependency that can be checked with a round trip, such as a
// database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a [Checker] that pings p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

type result struct {
	Status   string            `json:"status"`
	Sessions *int              `json:"sessions,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithSessionCount reports the number of live sessions on /healthz.
func WithSessionCount(fn func() int) Option {
	return func(h *Handler) { h.sessions = fn }
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	sessions func() int
	draining atomic.Bool
}

// New creates a [Handler] that evaluates checkers concurrently on each
// /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetDraining marks the server as shutting down. /readyz fails from then on
// so load balancers stop routing new sessions here while live ones finish.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// Healthz is the liveness check. It always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.sessions != nil {
		n := h.sessions()
		res.Sessions = &n
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz is the readiness check.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "draining"})
		return
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			status := "ok"
			if err := c.Check(ctx); err != nil {
				status = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = status
			if status != "ok" {
				failed = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
