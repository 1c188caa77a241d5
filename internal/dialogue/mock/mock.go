// Package mock provides a test double for the dialogue.Backend interface.
//
// Backend replays a scripted list of events on Stream and returns a fixed
// result from Complete. Leave the terminal EventDone out of StreamEvents to
// simulate a stream that closes early.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceloop/internal/dialogue"
)

var _ dialogue.Backend = (*Backend)(nil)

// Backend is a mock implementation of dialogue.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamEvents is emitted, in order, on the channel returned by Stream.
	StreamEvents []dialogue.Event

	// StreamErr, if non-nil, is returned from Stream instead of a channel.
	StreamErr error

	// Block, if non-nil, is waited on before the first event is sent so
	// tests can hold a call outstanding.
	Block <-chan struct{}

	// StreamFunc, when set, replaces the scripted stream.
	StreamFunc func(ctx context.Context, req dialogue.Request) (<-chan dialogue.Event, error)

	// CompleteResult is returned by Complete.
	CompleteResult *dialogue.Result

	// CompleteErr, if non-nil, is returned from Complete.
	CompleteErr error

	// --- Call records ---

	StreamCalls   []dialogue.Request
	CompleteCalls []dialogue.Request
}

// Stream implements dialogue.Backend.
func (b *Backend) Stream(ctx context.Context, req dialogue.Request) (<-chan dialogue.Event, error) {
	b.mu.Lock()
	b.StreamCalls = append(b.StreamCalls, req)
	fn, events, err, block := b.StreamFunc, append([]dialogue.Event(nil), b.StreamEvents...), b.StreamErr, b.Block
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	ch := make(chan dialogue.Event)
	go func() {
		defer close(ch)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements dialogue.Backend.
func (b *Backend) Complete(_ context.Context, req dialogue.Request) (*dialogue.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CompleteCalls = append(b.CompleteCalls, req)
	if b.CompleteErr != nil {
		return nil, b.CompleteErr
	}
	return b.CompleteResult, nil
}

// Calls returns the number of Stream and Complete calls. Thread-safe.
func (b *Backend) Calls() (stream, complete int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.StreamCalls), len(b.CompleteCalls)
}

// LastStreamRequest returns the most recent Stream request.
func (b *Backend) LastStreamRequest() dialogue.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.StreamCalls) == 0 {
		return dialogue.Request{}
	}
	return b.StreamCalls[len(b.StreamCalls)-1]
}

// Sentences builds EventSentence events from texts, indexed from zero.
func Sentences(texts ...string) []dialogue.Event {
	out := make([]dialogue.Event, len(texts))
	for i, t := range texts {
		out[i] = dialogue.Event{Type: dialogue.EventSentence, Sentence: dialogue.Sentence{Index: i, Text: t}}
	}
	return out
}

// Done builds a terminal EventDone event.
func Done(full, languageSwitch string) dialogue.Event {
	return dialogue.Event{Type: dialogue.EventDone, Result: &dialogue.Result{FullResponse: full, LanguageSwitch: languageSwitch}}
}
