// Package openai is the [llm.Provider] for the OpenAI chat completions API
// and servers that speak it (vLLM, LM Studio, llama.cpp server) via
// [WithBaseURL].
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voiceloop/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Provider talks to one chat model.
type Provider struct {
	client oai.Client
	model  string
	keyed  bool
}

// Option adjusts the underlying client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP exchange. For streams that includes reading
// the whole reply.
func WithTimeout(d time.Duration) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New returns a Provider for model. Retries are left to the failover layer,
// so the SDK's own retries are off. With an empty apiKey every call fails
// with [llm.ErrMissingCredentials].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model, keyed: apiKey != ""}, nil
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if !p.keyed {
		return nil, fmt.Errorf("openai: %w", llm.ErrMissingCredentials)
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

	out := make(chan llm.Chunk, 32)
	emit := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		defer stream.Close()
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			delta, finish := cur.Choices[0].Delta.Content, cur.Choices[0].FinishReason
			if delta == "" && finish == "" {
				continue
			}
			if !emit(llm.Chunk{Text: delta, FinishReason: finish}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(llm.Chunk{Text: "openai: " + err.Error(), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if !p.keyed {
		return nil, fmt.Errorf("openai: %w", llm.ErrMissingCredentials)
	}
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: reply has no choices")
	}
	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage:   llm.Usage{PromptTokens: int(u.PromptTokens), CompletionTokens: int(u.CompletionTokens), TotalTokens: int(u.TotalTokens)},
	}, nil
}

func (p *Provider) buildParams(req llm.CompletionRequest) oai.ChatCompletionNewParams {
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model)}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertMessage(m))
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params
}

// convertMessage sends unknown roles as user turns.
func convertMessage(m llm.Message) oai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content)
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content)
	default:
		return oai.UserMessage(m.Content)
	}
}
