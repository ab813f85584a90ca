// Package wire provides the multi-producer single-consumer event channel that
// carries incremental execution events from arbitrarily nested runs to a
// single consumer, plus the event types themselves and their SSE framing.
package wire

import (
	"time"

	"github.com/runwire/runwire/pkg/models"
)

// EventType identifies the kind of an Event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"

	EventStepDelta     EventType = "step.delta"
	EventStepCompleted EventType = "step.completed"

	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageSkipped   EventType = "stage.skipped"

	EventIterationStarted EventType = "iteration.started"
	EventBranchStarted    EventType = "branch.started"
	EventBranchCompleted  EventType = "branch.completed"

	EventError EventType = "error"
)

// Delta carries a partial update for a Step that is still streaming:
// a text fragment, a reasoning fragment, or tool-call fragments.
type Delta struct {
	Content          string              `json:"content,omitempty"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallFragment  `json:"tool_calls,omitempty"`
}

// ToolCallFragment is a partial tool call keyed by the provider's stable
// index. Name and Arguments accumulate across fragments with the same index.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is the unit carried on the Wire. Every event identifies its run and
// position in the execution tree; exactly one of Delta, Step or Data carries
// the payload (terminal run events use Data plus Error fields).
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	SessionID string    `json:"session_id,omitempty"`

	TraceID      string `json:"trace_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	ParentRunID  string `json:"parent_run_id,omitempty"`
	Depth        int    `json:"depth"`

	RunnableID   string              `json:"runnable_id,omitempty"`
	RunnableType models.RunnableType `json:"runnable_type,omitempty"`
	NestingType  models.NestingType  `json:"nesting_type,omitempty"`

	NodeID    string `json:"node_id,omitempty"`
	BranchID  string `json:"branch_id,omitempty"`
	Iteration int    `json:"iteration,omitempty"`

	StepID string         `json:"step_id,omitempty"`
	Delta  *Delta         `json:"delta,omitempty"`
	Step   *models.Step   `json:"step,omitempty"`
	Data   map[string]any `json:"data,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
