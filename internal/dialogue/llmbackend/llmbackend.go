// Package llmbackend implements a dialogue backend directly on top of one or
// more [llm.Provider] values.
//
// The backend builds the system prompt (persona, reply language, known
// customer facts), replays the bounded history, streams the completion and
// cuts it into sentences. Customer facts are extracted from the user's
// utterance with [dialogue.ExtractFacts].
package llmbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/pkg/memory"
	"github.com/MrWong99/voiceloop/pkg/provider/llm"
)

// DefaultSystemPrompt is used when neither the backend nor the request sets
// one.
const DefaultSystemPrompt = "You are a friendly voice assistant. Your replies are spoken aloud, " +
	"so answer in short, natural sentences without markdown, lists or emojis."

// Compile-time assertion that Backend implements dialogue.Backend.
var _ dialogue.Backend = (*Backend)(nil)

// Option configures a [Backend].
type Option func(*Backend)

// WithProvider registers an additional provider selectable through
// [dialogue.Options.Provider].
func WithProvider(name string, p llm.Provider) Option {
	return func(b *Backend) { b.providers[name] = p }
}

// WithSystemPrompt replaces [DefaultSystemPrompt].
func WithSystemPrompt(prompt string) Option {
	return func(b *Backend) { b.systemPrompt = prompt }
}

// Backend implements dialogue.Backend with LLM providers.
type Backend struct {
	defaultName  string
	providers    map[string]llm.Provider
	systemPrompt string
}

// New creates a Backend whose default provider is p, registered as name.
func New(name string, p llm.Provider, opts ...Option) (*Backend, error) {
	if p == nil {
		return nil, errors.New("llmbackend: default provider must not be nil")
	}
	b := &Backend{
		defaultName:  name,
		providers:    map[string]llm.Provider{name: p},
		systemPrompt: DefaultSystemPrompt,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Backend) provider(name string) (llm.Provider, error) {
	if name == "" {
		name = b.defaultName
	}
	p, ok := b.providers[name]
	if !ok {
		return nil, fmt.Errorf("llmbackend: unknown provider %q", name)
	}
	return p, nil
}

// languageName returns the English name of an ISO code, or the code itself.
func languageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

func (b *Backend) systemMessage(req dialogue.Request) string {
	var sb strings.Builder
	prompt := b.systemPrompt
	if req.Options.SystemPrompt != "" {
		prompt = req.Options.SystemPrompt
	}
	sb.WriteString(prompt)

	if req.Language != "" {
		fmt.Fprintf(&sb, "\n\nAlways answer in %s (%s).", languageName(req.Language), req.Language)
	}
	sb.WriteString(" If the user asks you to switch to another language, begin your reply with " +
		"LANGUAGE_SWITCH:<iso code> and continue in that language.")

	c := req.Customer
	if !c.IsEmpty() {
		sb.WriteString("\n\nKnown customer details:")
		for _, f := range []struct{ label, value string }{
			{"Name", c.Name},
			{"Phone", c.Phone},
			{"Email", c.Email},
			{"Address", c.Address},
			{"Order details", c.OrderDetails},
		} {
			if f.value != "" {
				fmt.Fprintf(&sb, "\n- %s: %s", f.label, f.value)
			}
		}
		for k, v := range c.Extra {
			fmt.Fprintf(&sb, "\n- %s: %s", k, v)
		}
	}
	return sb.String()
}

func (b *Backend) completionRequest(req dialogue.Request) llm.CompletionRequest {
	msgs := make([]llm.Message, 0, len(req.History)+1)
	for _, t := range req.History {
		role := llm.RoleUser
		if t.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.UserText})
	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: b.systemMessage(req),
		Temperature:  req.Options.Temperature,
		MaxTokens:    req.Options.MaxTokens,
	}
}

func facts(userText string) *memory.CustomerContext {
	c := dialogue.ExtractFacts(userText)
	if c.IsEmpty() {
		return nil
	}
	return &c
}

// Stream implements dialogue.Backend.
func (b *Backend) Stream(ctx context.Context, req dialogue.Request) (<-chan dialogue.Event, error) {
	p, err := b.provider(req.Options.Provider)
	if err != nil {
		return nil, err
	}
	chunks, err := p.StreamCompletion(ctx, b.completionRequest(req))
	if err != nil {
		return nil, fmt.Errorf("llmbackend: start stream: %w", err)
	}

	out := make(chan dialogue.Event)
	go func() {
		defer close(out)
		send := func(ev dialogue.Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var (
			sp   dialogue.Splitter
			full strings.Builder
		)
		for chunk := range chunks {
			if chunk.FinishReason == llm.FinishReasonError {
				send(dialogue.Event{Type: dialogue.EventError, Message: chunk.Text})
				go drainChunks(chunks)
				return
			}
			full.WriteString(chunk.Text)
			for _, s := range sp.Feed(chunk.Text) {
				if !send(dialogue.Event{Type: dialogue.EventSentence, Sentence: s}) {
					go drainChunks(chunks)
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		for _, s := range sp.Flush() {
			if !send(dialogue.Event{Type: dialogue.EventSentence, Sentence: s}) {
				return
			}
		}
		send(dialogue.Event{Type: dialogue.EventDone, Result: &dialogue.Result{
			FullResponse: strings.TrimSpace(full.String()),
			Customer:     facts(req.UserText),
		}})
	}()
	return out, nil
}

// Complete implements dialogue.Backend.
func (b *Backend) Complete(ctx context.Context, req dialogue.Request) (*dialogue.Result, error) {
	p, err := b.provider(req.Options.Provider)
	if err != nil {
		return nil, err
	}
	resp, err := p.Complete(ctx, b.completionRequest(req))
	if err != nil {
		return nil, fmt.Errorf("llmbackend: complete: %w", err)
	}
	return &dialogue.Result{
		FullResponse: strings.TrimSpace(resp.Content),
		Customer:     facts(req.UserText),
	}, nil
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
