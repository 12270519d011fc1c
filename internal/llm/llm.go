// Package llm wraps the generative model provider behind a history-in,
// stream-out adapter.
//
// Each call to Stream issues one independent generation request over the full
// conversation history; the adapter holds no conversation state of its own.
// The system prompt and the tool schema are bound when the generator is
// constructed. Keeping the history authoritative on our side is what makes
// checkpoint/rollback after cancellation a purely local operation; provider
// chat sessions mutate internal state mid-request and cannot be unwound.
package llm

import (
	"context"
	"errors"

	"github.com/mealtone-ai/mealtone/internal/convo"
)

// ErrProvider tags every failure originating from the model provider or its
// transport. The session layer treats these differently from its own
// cancellation errors.
var ErrProvider = errors.New("llm: provider failure")

// ToolDefinition declares one callable tool offered to the model.
type ToolDefinition struct {
	// Name is the tool identifier the model emits in tool calls.
	Name string

	// Description tells the model when to call the tool.
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any
}

// Chunk is one incremental fragment of a streaming response. Text is the
// concatenated text content of the fragment and is never empty; chunks that
// carry no text are not delivered.
type Chunk struct {
	Text string
}

// Usage holds token accounting for one generation call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Final is the aggregated terminal response of a drained stream: all text
// concatenated in arrival order, plus the first tool call if the model
// emitted one.
type Final struct {
	Text     string
	ToolCall *convo.ToolCall
	Usage    Usage
}

// Stream is the handle for one in-flight generation.
type Stream interface {
	// Chunks returns the finite, non-restartable chunk sequence. The channel
	// is closed when the stream drains or fails; callers must drain it.
	Chunks() <-chan Chunk

	// Final returns the aggregated terminal response. It blocks until the
	// chunk channel has closed, then reports the stream's outcome: a non-nil
	// error means the provider failed mid-stream and the aggregate is
	// partial.
	Final() (Final, error)
}

// Generator issues streaming generation calls for one bound system prompt.
//
// Implementations never retry; transient provider trouble surfaces as an
// ErrProvider-tagged error either from Stream itself or from Final.
type Generator interface {
	Stream(ctx context.Context, history convo.History) (Stream, error)
}
