package llm

import "errors"

// ErrMissingCredentials is returned when a provider that needs an API key was
// constructed without one.
var ErrMissingCredentials = errors.New("llm: missing credentials")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a Chunk that reports a mid-stream failure.
const FinishReasonError = "error"

// Message is a single entry of the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last entry is normally the
	// user's utterance.
	Messages []Message

	// SystemPrompt is prepended as a system-role message.
	SystemPrompt string

	// Temperature in [0.0, 2.0]; zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length; zero leaves the provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text, or the error message when FinishReason is
	// FinishReasonError.
	Text string

	// FinishReason is set on the final chunk ("stop", "length", "error").
	FinishReason string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}
