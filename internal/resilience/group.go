package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Group] produced a result.
// The member errors are joined into it and stay inspectable with errors.Is.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for every member of a
// [Group]. Breaker.Name is replaced by the member name.
type FallbackConfig struct {
	Breaker BreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered failover chain of providers of one kind. It is safe
// for concurrent calls; members must be added before the first call.
type Group[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewGroup returns a Group with primary as its first member.
func NewGroup[T any](primaryName string, primary T, cfg FallbackConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback member.
func (g *Group[T]) Add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewBreaker(bc)})
}

// Names lists the members in failover order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// Call runs fn against the members in order until one succeeds and returns
// its result together with the serving member's name. Members with an open
// breaker are skipped. When ctx ends the walk stops and ctx.Err() is
// returned as is.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(ctx context.Context, name string, v T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for i := range g.members {
		m := &g.members[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}

		var res R
		err := m.breaker.Do(func() error {
			var err error
			res, err = fn(ctx, m.name, m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Debug("resilience: served by fallback", "provider", m.name)
			}
			return res, m.name, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, "", ctxErr
		}

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider", "provider", m.name, "reason", "circuit open")
		} else {
			slog.Warn("resilience: provider failed", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
