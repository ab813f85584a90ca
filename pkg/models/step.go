// Package models defines the persisted data model shared across the engine:
// Steps (the canonical conversation unit), Runs (top-level invocation records)
// and their projections to provider-neutral LLM messages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Step or Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// RunnableType distinguishes the two Runnable families.
type RunnableType string

const (
	RunnableTypeAgent    RunnableType = "agent"
	RunnableTypeWorkflow RunnableType = "workflow"
)

// NestingType records how a run was reached from its parent.
type NestingType string

const (
	NestingNone         NestingType = "none"
	NestingToolCall     NestingType = "tool_call"
	NestingWorkflowNode NestingType = "workflow_node"
)

// ToolCall is a tool invocation requested by an assistant Step.
// Arguments is the raw JSON string exactly as emitted by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw argument string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StepMetrics holds per-Step timing and token accounting.
type StepMetrics struct {
	DurationMs          int64  `json:"duration_ms,omitempty"`
	FirstTokenMs        int64  `json:"first_token_ms,omitempty"`
	InputTokens         int    `json:"input_tokens,omitempty"`
	OutputTokens        int    `json:"output_tokens,omitempty"`
	TotalTokens         int    `json:"total_tokens,omitempty"`
	CachedTokens        int    `json:"cached_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	ToolExecMs          int64  `json:"tool_exec_ms,omitempty"`
	Model               string `json:"model,omitempty"`
	Provider            string `json:"provider,omitempty"`
}

// Step is the atomic, persisted unit of conversation state. A Step is an LLM
// message plus identity, workflow binding and tracing metadata. Steps are
// immutable after commit; Sequence is session-monotonic and gap-free.
type Step struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Sequence  int    `json:"sequence"`

	Role             Role       `json:"role"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	Name             string     `json:"name,omitempty"`

	RunnableID   string       `json:"runnable_id,omitempty"`
	RunnableType RunnableType `json:"runnable_type,omitempty"`

	WorkflowID  string `json:"workflow_id,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
	BranchKey   string `json:"branch_key,omitempty"`
	Iteration   int    `json:"iteration,omitempty"`
	ParentRunID string `json:"parent_run_id,omitempty"`

	ParentSpanID string `json:"parent_span_id,omitempty"`
	Depth        int    `json:"depth,omitempty"`

	Metrics   StepMetrics `json:"metrics,omitzero"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewStepID returns a fresh unique Step id.
func NewStepID() string {
	return uuid.New().String()
}

// HasToolCalls reports whether the Step requests any tool invocations.
func (s *Step) HasToolCalls() bool {
	return len(s.ToolCalls) > 0
}

// IsTerminalAssistant reports whether the Step is an assistant message that
// ended its run normally (no outstanding tool calls).
func (s *Step) IsTerminalAssistant() bool {
	return s.Role == RoleAssistant && len(s.ToolCalls) == 0 && s.Content != ""
}

// Clone returns a deep copy of the Step. Used by fork, which re-homes Steps
// into a new session while preserving sequence numbers.
func (s *Step) Clone() *Step {
	c := *s
	if len(s.ToolCalls) > 0 {
		c.ToolCalls = make([]ToolCall, len(s.ToolCalls))
		copy(c.ToolCalls, s.ToolCalls)
	}
	return &c
}
