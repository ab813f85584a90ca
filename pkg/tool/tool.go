// Package tool defines the tool contract, the batched tool executor with
// per-session memoisation and cooperative abort, and the RunnableTool adapter
// that lets agents and workflows be invoked as tools.
package tool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/runwire/runwire/pkg/runnable"
)

// Tool is the contract concrete tools implement. Schema is JSON-Schema,
// projected to provider-specific shapes at model-call time. Cacheable tools
// are memoised per session; tools that are not ConcurrencySafe are serialized
// within a batch.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Cacheable() bool
	ConcurrencySafe() bool
	Execute(ctx context.Context, inv *Invocation) (any, error)
}

// Invocation carries one tool call's parsed arguments plus the execution
// context it runs under. The context gives tools access to the wire, trace
// identity and abort signal without widening the Execute signature.
type Invocation struct {
	ToolCallID string
	Args       map[string]any
	Context    *runnable.ExecutionContext
}

// Result is the outcome of one tool call. Content is the string fed back to
// the model; Output is the raw value for tracing. Failures are captured here,
// never propagated: the loop always produces exactly one tool Step per call.
type Result struct {
	ToolName   string         `json:"tool_name"`
	ToolCallID string         `json:"tool_call_id"`
	InputArgs  map[string]any `json:"input_args,omitempty"`
	Content    string         `json:"content"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration"`
	IsSuccess  bool           `json:"is_success"`
}
