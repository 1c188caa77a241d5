// Package gateway provides a dialogue backend for the platform's chat
// endpoints.
//
// The streaming endpoint answers with server-sent events whose data payloads
// are JSON objects of type "sentence", "done" or "error". The fallback
// endpoint takes the same request body and returns one JSON object
// {response, customerContext?, languageSwitch?}. Both are authenticated
// with a bearer token.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voiceloop/internal/dialogue"
	"github.com/MrWong99/voiceloop/pkg/memory"
)

const (
	defaultStreamPath   = "/api/voice/chat/stream"
	defaultCompletePath = "/api/voice/chat"
)

// Compile-time assertion that Backend implements dialogue.Backend.
var _ dialogue.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithPaths overrides the streaming and fallback endpoint paths.
func WithPaths(stream, complete string) Option {
	return func(b *Backend) {
		if stream != "" {
			b.streamPath = stream
		}
		if complete != "" {
			b.completePath = complete
		}
	}
}

// WithHTTPClient replaces the default HTTP client. The client must not set a
// global timeout shorter than a full streamed reply; cancellation is driven
// by the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithCompleteTimeout bounds the non-streaming call. Default: 30s.
func WithCompleteTimeout(d time.Duration) Option {
	return func(b *Backend) { b.completeTimeout = d }
}

// Backend implements dialogue.Backend against the gateway chat endpoints.
type Backend struct {
	baseURL         string
	token           string
	streamPath      string
	completePath    string
	completeTimeout time.Duration
	httpClient      *http.Client
}

// New creates a Backend. baseURL must be non-empty. An empty token is
// accepted; calls then fail with [dialogue.ErrMissingCredentials].
func New(baseURL, token string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		return nil, errors.New("gateway dialogue: baseURL must not be empty")
	}
	b := &Backend{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		streamPath:      defaultStreamPath,
		completePath:    defaultCompletePath,
		completeTimeout: 30 * time.Second,
		httpClient:      &http.Client{},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

type historyTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

type chatOptions struct {
	Language     string  `json:"language"`
	UseRAG       bool    `json:"useRAG"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Provider     string  `json:"provider,omitempty"`
}

type chatRequest struct {
	Message             string                  `json:"message"`
	AgentID             string                  `json:"agentId"`
	CustomerContext     *memory.CustomerContext `json:"customerContext,omitempty"`
	ConversationHistory []historyTurn           `json:"conversationHistory"`
	Options             chatOptions             `json:"options"`
}

type streamFrame struct {
	Type            string                  `json:"type"`
	Content         string                  `json:"content"`
	Index           *int                    `json:"index"`
	FullResponse    string                  `json:"fullResponse"`
	CustomerContext *memory.CustomerContext `json:"customerContext"`
	LanguageSwitch  string                  `json:"languageSwitch"`
	Message         string                  `json:"message"`
}

type chatResponse struct {
	Response        string                  `json:"response"`
	CustomerContext *memory.CustomerContext `json:"customerContext"`
	LanguageSwitch  string                  `json:"languageSwitch"`
	Error           string                  `json:"error"`
}

func buildBody(req dialogue.Request) ([]byte, error) {
	history := make([]historyTurn, len(req.History))
	for i, t := range req.History {
		history[i] = historyTurn{Role: string(t.Role), Content: t.Text, Timestamp: t.Timestamp}
	}
	cr := chatRequest{
		Message:             req.UserText,
		AgentID:             req.AgentID,
		ConversationHistory: history,
		Options: chatOptions{
			Language:     req.Language,
			UseRAG:       req.Options.UseRAG,
			SystemPrompt: req.Options.SystemPrompt,
			Temperature:  req.Options.Temperature,
			MaxTokens:    req.Options.MaxTokens,
			Provider:     req.Options.Provider,
		},
	}
	if !req.Customer.IsEmpty() {
		c := req.Customer
		cr.CustomerContext = &c
	}
	return json.Marshal(cr)
}

func (b *Backend) newRequest(ctx context.Context, path string, req dialogue.Request) (*http.Request, error) {
	if b.token == "" {
		return nil, fmt.Errorf("gateway dialogue: %w", dialogue.ErrMissingCredentials)
	}
	body, err := buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("gateway dialogue: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway dialogue: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.token)
	return httpReq, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return fmt.Errorf("gateway dialogue: server returned HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("gateway dialogue: server returned HTTP %d: %s", resp.StatusCode, msg)
}

// Stream implements dialogue.Backend.
func (b *Backend) Stream(ctx context.Context, req dialogue.Request) (<-chan dialogue.Event, error) {
	httpReq, err := b.newRequest(ctx, b.streamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway dialogue: http request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	ch := make(chan dialogue.Event)
	go b.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream converts SSE frames into events until the stream ends, a
// terminal frame arrives, or ctx is cancelled.
func (b *Backend) readStream(ctx context.Context, body io.ReadCloser, ch chan<- dialogue.Event) {
	defer close(ch)
	defer body.Close()

	send := func(ev dialogue.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	r := newSSEReader(body)
	next := 0
	for {
		data, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				send(dialogue.Event{Type: dialogue.EventError, Message: err.Error()})
			}
			return
		}

		var f streamFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("gateway dialogue: malformed frame", "err", err, "data", string(data))
			send(dialogue.Event{Type: dialogue.EventError, Message: "malformed frame: " + err.Error()})
			return
		}

		switch f.Type {
		case "sentence":
			idx := next
			if f.Index != nil {
				idx = *f.Index
			}
			next = idx + 1
			if !send(dialogue.Event{Type: dialogue.EventSentence, Sentence: dialogue.Sentence{Index: idx, Text: f.Content}}) {
				return
			}
		case "done":
			send(dialogue.Event{Type: dialogue.EventDone, Result: &dialogue.Result{
				FullResponse:   f.FullResponse,
				Customer:       f.CustomerContext,
				LanguageSwitch: f.LanguageSwitch,
			}})
			return
		case "error":
			msg := f.Message
			if msg == "" {
				msg = "unknown error"
			}
			send(dialogue.Event{Type: dialogue.EventError, Message: msg})
			return
		default:
			slog.Debug("gateway dialogue: ignoring frame", "type", f.Type)
		}
	}
}

// Complete implements dialogue.Backend.
func (b *Backend) Complete(ctx context.Context, req dialogue.Request) (*dialogue.Result, error) {
	if b.completeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.completeTimeout)
		defer cancel()
	}
	httpReq, err := b.newRequest(ctx, b.completePath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gateway dialogue: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("gateway dialogue: parse response: %w", err)
	}
	if cr.Error != "" && cr.Response == "" {
		return nil, fmt.Errorf("gateway dialogue: %s", cr.Error)
	}
	return &dialogue.Result{
		FullResponse:   cr.Response,
		Customer:       cr.CustomerContext,
		LanguageSwitch: cr.LanguageSwitch,
	}, nil
}
