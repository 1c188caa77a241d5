package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] looks at the config file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file.
type fingerprint struct {
	size    int64
	modTime time.Time
	sum     [sha256.Size]byte
}

// Watcher keeps a config file under observation for hot reload. Every
// interval it stats the file; when size or modification time moved it
// re-reads, and a new content hash that still validates is handed to the
// change callback together with the config it replaces. Broken edits are
// logged and the last good config stays in force.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// checkMu serialises checks from the poll loop and [Watcher.Check].
	checkMu sync.Mutex
	seen    fingerprint

	mu      sync.RWMutex
	current *Config

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed; onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange, done: make(chan struct{})}
	for _, o := range opts {
		o(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w, nil
}

// Current returns the config currently in force.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Check looks at the file right away instead of waiting for the next tick,
// e.g. on SIGHUP. It reports whether a new config was applied.
func (w *Watcher) Check() (bool, error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %s: %w", w.path, err)
	}
	if info.Size() == w.seen.size && info.ModTime().Equal(w.seen.modTime) {
		return false, nil
	}

	cfg, fp, err := w.read()
	if err != nil {
		// Remember the broken version so it is reported once.
		w.seen.size, w.seen.modTime = fp.size, fp.modTime
		return false, err
	}
	changed := fp.sum != w.seen.sum
	w.seen = fp
	if !changed {
		return false, nil
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config: file changed, applying", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// Stop ends watching and waits for a running check to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Check(); err != nil {
				slog.Warn("config: reload rejected, keeping current config", "path", w.path, "err", err)
			}
		}
	}
}

// read loads and validates the file. The fingerprint is filled in whenever
// the file could be read, even if it does not validate.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	fp := fingerprint{size: info.Size(), modTime: info.ModTime(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fp, err
	}
	return cfg, fp, nil
}
