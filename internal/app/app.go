// Package app wires the voiceloop subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the session store
// and builds the HTTP surface, Run serves clients, and Shutdown drains the
// live sessions and tears everything down in order.
//
// Every WebSocket client on the session endpoint gets its own orchestrator,
// capture, transcription client, dialogue engine and speech queue; the
// providers behind them are shared.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voiceloop/internal/config"
	"github.com/MrWong99/voiceloop/internal/health"
	"github.com/MrWong99/voiceloop/internal/observe"
	"github.com/MrWong99/voiceloop/pkg/audio/wsdevice"
	"github.com/MrWong99/voiceloop/pkg/memory"
	"github.com/MrWong99/voiceloop/pkg/memory/postgres"
)

// SessionPath is the WebSocket endpoint for voice sessions.
const SessionPath = "/v1/voice/session"

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves voice sessions.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.Store
	metrics  *observe.Metrics
	level    *slog.LevelVar
	checkers []health.Checker
	health   *health.Handler
	sessions *SessionManager
	server   *http.Server

	// mu guards voice, the hot-reloadable defaults for new sessions.
	mu    sync.RWMutex
	voice config.VoiceConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reloads adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithChecker adds a readiness check to /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. The providers come from [BuildProviders] in main.go.
//
// New performs all initialisation synchronously: store connection and
// migration, health checks and the HTTP mux.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers must not be nil")
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		voice:     cfg.Voice,
		sessions:  NewSessionManager(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Health ───────────────────────────────────────────────────────
	a.health = health.New(a.checkers, health.WithSessionCount(a.sessions.Count))

	// ── 3. HTTP server ──────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	return a, nil
}

// initMemory connects the PostgreSQL store or falls back to memory.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		slog.Warn("no memory.postgres_dsn configured, preferences are kept in memory only")
		a.store = memory.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Ping("database", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// Handler returns the HTTP surface: the session endpoint, health checks and
// the Prometheus scrape endpoint, all behind the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+SessionPath, a.serveSession)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Sessions returns the live session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Sessions ────────────────────────────────────────────────────────────────

func (a *App) authorized(r *http.Request) bool {
	want := a.cfg.Server.AuthToken
	if want == "" {
		return true
	}
	// Browsers cannot set headers on a WebSocket handshake, so the token
	// may also come as a query parameter.
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// resolveAgent picks the agent named by the agent_id parameter. With a
// single configured agent the parameter may be omitted.
func (a *App) resolveAgent(id string) (config.AgentConfig, bool) {
	if id == "" && len(a.cfg.Agents) == 1 {
		return a.cfg.Agents[0], true
	}
	return a.cfg.Agent(id)
}

func (a *App) serveSession(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	agent, ok := a.resolveAgent(r.URL.Query().Get("agent_id"))
	if !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer ws.CloseNow()

	a.mu.RLock()
	voice := a.voice
	a.mu.RUnlock()

	conn := wsdevice.New(ws)
	vs, err := a.newVoiceSession(conn, sessionParams{agent: agent, clientID: clientID, voice: voice})
	if err != nil {
		slog.Error("failed to create voice session", "agent_id", agent.ID, "err", err)
		_ = ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	release, err := a.sessions.Add(vs, clientID)
	if err != nil {
		vs.teardown()
		_ = ws.Close(websocket.StatusTryAgainLater, "server is shutting down")
		return
	}
	defer release()

	ctx := observe.WithSession(context.WithoutCancel(r.Context()), vs.id, agent.ID)
	log := observe.Logger(ctx)
	log.Info("voice session connected", "client_id", clientID)
	if err := vs.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("voice session ended with error", "err", err)
		return
	}
	log.Info("voice session disconnected")
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable fields of next. Live sessions keep
// their settings; the new defaults apply to sessions that connect later.
// Changes that need a restart are logged.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	diff := config.Diff(a.cfg, next)
	if diff.SensitivityChanged {
		a.voice.Sensitivity = diff.NewSensitivity
	}
	if diff.SilenceTimeoutChanged {
		a.voice.SilenceTimeout = diff.NewSilenceTimeout
	}
	a.mu.Unlock()

	if diff.LogLevelChanged {
		a.level.Set(diff.NewLogLevel.Slog())
	}
	if !diff.Empty() {
		slog.Info("config reloaded",
			"log_level", next.Server.LogLevel,
			"sensitivity", next.Voice.Sensitivity,
			"silence_timeout", next.Voice.SilenceTimeout,
		)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
	return diff
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. When ctx is
// done, Run returns context.Canceled (or the underlying cause); call
// Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errc <- err
	}()

	slog.Info("app running", "listen_addr", a.server.Addr, "agents", len(a.cfg.Agents))
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, disconnects every client, waits for
// their sessions to persist and then runs the closers. It respects the
// context deadline: if ctx expires, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.SetDraining(true)

		// Hijacked WebSocket connections are not tracked by the server, so
		// the sessions are closed separately.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.sessions.CloseAll(ctx, "server shutting down"); err != nil {
			slog.Warn("sessions did not close in time", "remaining", a.sessions.Count())
			shutdownErr = err
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
