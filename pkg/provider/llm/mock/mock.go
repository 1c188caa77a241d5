// Package mock is a scripted [llm.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voiceloop/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider replays StreamChunks on every stream and answers Complete with
// CompleteResponse. The zero value streams nothing.
type Provider struct {
	StreamChunks []llm.Chunk
	StreamErr    error
	// Block holds the stream open after the last chunk until it is closed or
	// the caller gives up.
	Block <-chan struct{}

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	mu        sync.Mutex
	streamed  []llm.CompletionRequest
	completed []llm.CompletionRequest
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamed = append(p.streamed, req)
	chunks, err, block := append([]llm.Chunk(nil), p.StreamChunks...), p.StreamErr, p.Block
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if block == nil {
			return
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, req)
	return p.CompleteResponse, p.CompleteErr
}

// Calls counts StreamCompletion and Complete invocations.
func (p *Provider) Calls() (stream, complete int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streamed), len(p.completed)
}

// Requests returns every request seen, streams first.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]llm.CompletionRequest(nil), p.streamed...)
	return append(out, p.completed...)
}
