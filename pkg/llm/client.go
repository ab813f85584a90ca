// Package llm defines the streaming model-client contract and its provider
// adapters. Providers convert the engine's provider-neutral messages to their
// wire format, stream back typed chunks, and normalise usage accounting.
package llm

import (
	"context"
	"encoding/json"

	"github.com/runwire/runwire/pkg/models"
)

// Client is the streaming LLM contract. Stream returns a channel of typed
// chunks; the channel is closed when the turn completes or fails (a failure
// surfaces as a final ErrorChunk).
type Client interface {
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
	Model() string
	Provider() string
}

// Request is one model turn: the conversation so far plus available tools.
type Request struct {
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
}

// ToolSpec is the provider-neutral tool definition projected to each
// provider's shape (OpenAI function, Anthropic tool use) at call time.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Chunk is one streamed increment of a model turn. Exactly one concrete type
// applies per chunk.
type Chunk interface {
	isChunk()
}

// TextChunk carries a response text delta.
type TextChunk struct {
	Text string
}

// ReasoningChunk carries a reasoning/thinking text delta.
type ReasoningChunk struct {
	Text string
}

// ToolCallChunk carries a partial tool call. Fragments with the same Index
// accumulate: ID/Type/Name arrive on the first fragment, ArgumentsDelta
// appends across fragments.
type ToolCallChunk struct {
	Index          int
	ID             string
	Type           string
	Name           string
	ArgumentsDelta string
}

// UsageChunk carries the turn's final normalised token accounting.
type UsageChunk struct {
	Usage Usage
}

// FinishChunk carries the provider's finish reason.
type FinishChunk struct {
	Reason string
}

// ErrorChunk carries a terminal stream failure.
type ErrorChunk struct {
	Err error
}

func (TextChunk) isChunk()      {}
func (ReasoningChunk) isChunk() {}
func (ToolCallChunk) isChunk()  {}
func (UsageChunk) isChunk()     {}
func (FinishChunk) isChunk()    {}
func (ErrorChunk) isChunk()     {}

// Usage is provider-neutral token accounting.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	CachedTokens        int
	CacheCreationTokens int
}
