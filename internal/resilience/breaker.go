// Package resilience keeps a voice session talking when a provider fails.
//
// Every provider in a fallback chain sits behind its own [Breaker]. After a
// run of failures the breaker opens and the chain skips that provider until a
// cooldown has passed; a single trial call then decides whether it closes
// again. [STTFallback], [TTSFallback] and [LLMFallback] implement the
// provider interfaces on top of a [Group], so callers never see the chain.
//
// A cancelled caller context is never counted against a provider.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("resilience: circuit open")

const (
	defaultMaxFailures = 3
	defaultCooldown    = 20 * time.Second
	defaultTrials      = 1
)

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown ends.
	StateOpen

	// StateHalfOpen lets one trial call through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls. Default: 20s.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close.
	// Default: 1.
	Trials int

	// OnTransition is called after every state change, outside the lock.
	OnTransition func(name string, from, to State)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	trialOK  int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = defaultTrials
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn when the breaker allows it and records the outcome. A
// [context.Canceled] result is passed through without being recorded.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn()
	b.release(trial, err)
	return err
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the switch itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.to(StateClosed)
	b.mu.Unlock()
	b.notify(tr)
}

func (b *Breaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	var tr *transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if !b.cooledDown() {
			return false, ErrCircuitOpen
		}
		tr = b.to(StateHalfOpen)
	}
	if b.probing {
		return false, ErrCircuitOpen
	}
	b.probing = true
	return true, nil
}

func (b *Breaker) release(trial bool, err error) {
	b.mu.Lock()
	var tr *transition
	if trial {
		b.probing = false
	}
	switch {
	case errors.Is(err, context.Canceled):
	case err == nil && trial:
		b.trialOK++
		if b.trialOK >= b.cfg.Trials {
			tr = b.to(StateClosed)
		}
	case err == nil:
		b.failures = 0
	case trial:
		tr = b.to(StateOpen)
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			tr = b.to(StateOpen)
		}
	}
	b.mu.Unlock()
	b.notify(tr)
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

type transition struct{ from, to State }

// to switches state and resets the counters of the new state. Must be
// called with b.mu held.
func (b *Breaker) to(s State) *transition {
	from := b.state
	if from == s {
		return nil
	}
	b.state = s
	b.trialOK = 0
	switch s {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.failures = 0
	}
	return &transition{from: from, to: s}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	if tr.to == StateOpen {
		slog.Warn("resilience: circuit opened", "provider", b.cfg.Name, "from", tr.from, "cooldown", b.cfg.Cooldown)
	} else {
		slog.Info("resilience: circuit state changed", "provider", b.cfg.Name, "from", tr.from, "to", tr.to)
	}
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, tr.from, tr.to)
	}
}
