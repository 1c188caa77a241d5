// Package dialogue produces the agent's spoken reply to a user turn.
//
// An [Engine] sends the user's text together with a bounded window of the
// transcript and the persisted customer context to a [Backend]. Replies are
// streamed as ordered [Sentence] values so speech can start before the
// model has finished. When streaming fails to open, fails mid-stream, or
// ends without a terminal event, the Engine falls back to the backend's
// non-streaming call and delivers only the sentences the caller has not
// already received.
//
// A reply may switch the conversation language. The structured
// LanguageSwitch field takes precedence; the legacy in-band
// "LANGUAGE_SWITCH:<code>" marker is always stripped from spoken text and
// only consulted when no structured value is present.
package dialogue

import (
	"context"
	"errors"

	"github.com/MrWong99/voiceloop/pkg/memory"
)

var (
	// ErrBusy is returned when a Respond call is already outstanding.
	ErrBusy = errors.New("dialogue: response already in flight")

	// ErrProviderError is returned when both the streaming and the fallback
	// path failed.
	ErrProviderError = errors.New("dialogue: provider error")

	// ErrMissingCredentials is returned by backends configured without a
	// token.
	ErrMissingCredentials = errors.New("dialogue: missing credentials")

	// ErrEmptyInput is returned for a request without user text.
	ErrEmptyInput = errors.New("dialogue: empty user text")
)

// Sentence is one fragment of a reply, delimited by terminal punctuation.
type Sentence struct {
	// Index is the zero-based generation order within the reply.
	Index int

	// Text is the sentence with control markers removed.
	Text string
}

// Options are per-request knobs passed through to the backend.
type Options struct {
	UseRAG       bool
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// Provider selects a named model backend, if the backend supports
	// several.
	Provider string
}

// Request is one user turn to respond to.
type Request struct {
	UserText string
	History  []memory.Turn
	Customer memory.CustomerContext
	Language string
	AgentID  string
	Options  Options
}

// Result is the terminal payload of a backend reply.
type Result struct {
	// FullResponse is the complete reply text, possibly still carrying a
	// legacy language marker.
	FullResponse string

	// Customer holds facts learned during the turn. Nil when nothing changed.
	Customer *memory.CustomerContext

	// LanguageSwitch is the structured language switch, if any.
	LanguageSwitch string
}

// EventType enumerates streaming events.
type EventType int

const (
	EventSentence EventType = iota
	EventDone
	EventError
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSentence:
		return "sentence"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of a streamed reply.
type Event struct {
	Type EventType

	// Sentence is set for EventSentence.
	Sentence Sentence

	// Result is set for EventDone.
	Result *Result

	// Message is set for EventError.
	Message string
}

// Backend is a model endpoint that can stream or complete a reply.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Stream starts a streamed reply. The channel is closed by the backend
	// when the stream ends or ctx is cancelled. A non-nil error means the
	// stream could not be opened.
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// Complete returns the whole reply in one call.
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Response is the outcome of [Engine.Respond].
type Response struct {
	// Text is the full spoken reply with control markers removed.
	Text string

	// Customer holds the facts to merge into the persisted context, or nil.
	Customer *memory.CustomerContext

	// LanguageSwitch is the resolved language to switch to, or "".
	LanguageSwitch string

	// Sentences is the number of sentences delivered to the caller.
	Sentences int

	// FellBack reports whether the non-streaming path produced the reply.
	FellBack bool
}
