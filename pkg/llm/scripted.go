package llm

import (
	"context"
	"errors"
	"sync"

	"github.com/runwire/runwire/pkg/models"
)

// ScriptedClient is a fake Client for tests: each call to Stream replays the
// next scripted turn. Safe for concurrent use so parallel-branch tests can
// share one instance.
type ScriptedClient struct {
	model    string
	provider string

	mu       sync.Mutex
	turns    [][]Chunk
	next     int
	requests []*Request

	// LoopLast replays the final turn forever once the script is exhausted,
	// for tests that need a model that never stops calling tools.
	LoopLast bool
}

var _ Client = (*ScriptedClient)(nil)

// NewScriptedClient creates a fake client that replays turns in order.
func NewScriptedClient(turns ...[]Chunk) *ScriptedClient {
	return &ScriptedClient{
		model:    "scripted-model",
		provider: "scripted",
		turns:    turns,
	}
}

func (c *ScriptedClient) Model() string { return c.model }

func (c *ScriptedClient) Provider() string { return c.provider }

// Requests returns a copy of every Request passed to Stream, in call order.
func (c *ScriptedClient) Requests() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *ScriptedClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.next >= len(c.turns) {
		if !c.LoopLast || len(c.turns) == 0 {
			c.mu.Unlock()
			return nil, errors.New("scripted client: no turns left")
		}
		c.next = len(c.turns) - 1
	}
	turn := c.turns[c.next]
	c.next++
	c.mu.Unlock()

	chunks := make(chan Chunk, len(turn))
	go func() {
		defer close(chunks)
		for _, ch := range turn {
			select {
			case chunks <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

// TextTurn scripts a plain assistant answer with usage accounting.
func TextTurn(text string) []Chunk {
	var chunks []Chunk
	// Split into two deltas to exercise accumulation.
	if len(text) > 1 {
		mid := len(text) / 2
		chunks = append(chunks, TextChunk{Text: text[:mid]}, TextChunk{Text: text[mid:]})
	} else {
		chunks = append(chunks, TextChunk{Text: text})
	}
	chunks = append(chunks,
		FinishChunk{Reason: "stop"},
		UsageChunk{Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	)
	return chunks
}

// ToolCallTurn scripts an assistant turn requesting the given tool calls,
// streamed as fragments the way providers deliver them.
func ToolCallTurn(calls ...models.ToolCall) []Chunk {
	var chunks []Chunk
	for i, call := range calls {
		chunks = append(chunks, ToolCallChunk{
			Index: i,
			ID:    call.ID,
			Type:  "function",
			Name:  call.Function.Name,
		})
		args := call.Function.Arguments
		if args != "" {
			mid := len(args) / 2
			chunks = append(chunks,
				ToolCallChunk{Index: i, ArgumentsDelta: args[:mid]},
				ToolCallChunk{Index: i, ArgumentsDelta: args[mid:]},
			)
		}
	}
	chunks = append(chunks,
		FinishChunk{Reason: "tool_calls"},
		UsageChunk{Usage: Usage{InputTokens: 20, OutputTokens: 8, TotalTokens: 28}},
	)
	return chunks
}

// ErrorTurn scripts a turn that fails mid-stream.
func ErrorTurn(err error) []Chunk {
	return []Chunk{ErrorChunk{Err: err}}
}
