package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Termination reasons for an agent loop.
const (
	TerminationNormal    = "normal"
	TerminationMaxSteps  = "max_steps"
	TerminationTimeout   = "timeout"
	TerminationCancelled = "cancelled"
	TerminationError     = "error"
)

// RunMetrics aggregates token usage and timing for one Run.
type RunMetrics struct {
	DurationMs          int64  `json:"duration_ms,omitempty"`
	InputTokens         int    `json:"input_tokens,omitempty"`
	OutputTokens        int    `json:"output_tokens,omitempty"`
	TotalTokens         int    `json:"total_tokens,omitempty"`
	CachedTokens        int    `json:"cached_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	ToolExecMs          int64  `json:"tool_exec_ms,omitempty"`
	LLMCalls            int    `json:"llm_calls,omitempty"`
	ToolCalls           int    `json:"tool_calls,omitempty"`
	Model               string `json:"model,omitempty"`
	Provider            string `json:"provider,omitempty"`
}

// Add accumulates another set of metrics into m.
func (m *RunMetrics) Add(o RunMetrics) {
	m.InputTokens += o.InputTokens
	m.OutputTokens += o.OutputTokens
	m.TotalTokens += o.TotalTokens
	m.CachedTokens += o.CachedTokens
	m.CacheCreationTokens += o.CacheCreationTokens
	m.ToolExecMs += o.ToolExecMs
	m.LLMCalls += o.LLMCalls
	m.ToolCalls += o.ToolCalls
}

// Run is the aggregate status record of one invocation of a Runnable.
// Created by the runnable executor before delegation and updated at
// terminal events.
type Run struct {
	ID           string       `json:"id"`
	RunnableID   string       `json:"runnable_id"`
	RunnableType RunnableType `json:"runnable_type"`
	SessionID    string       `json:"session_id"`
	UserID       string       `json:"user_id,omitempty"`
	InputQuery   string       `json:"input_query"`
	Status       RunStatus    `json:"status"`
	Metrics      RunMetrics   `json:"metrics,omitzero"`
	WorkflowID   string       `json:"workflow_id,omitempty"`
	ParentRunID  string       `json:"parent_run_id,omitempty"`
	Error        string       `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at,omitzero"`
}

// NewRunID returns a fresh unique Run id.
func NewRunID() string {
	return uuid.New().String()
}
