package runnable

import (
	"context"

	"github.com/runwire/runwire/pkg/models"
)

// Runnable is the unified contract for anything the engine can invoke:
// agents and workflows are interchangeable behind it. Run blocks until the
// invocation finishes, writing incremental events to the context's Wire.
type Runnable interface {
	ID() string
	Type() models.RunnableType
	Run(ctx context.Context, input string, ec *ExecutionContext) (*RunOutput, error)
}

// RunOutput is the result of one Runnable invocation.
type RunOutput struct {
	Response          string            `json:"response,omitempty"`
	RunID             string            `json:"run_id"`
	SessionID         string            `json:"session_id"`
	Metrics           models.RunMetrics `json:"metrics,omitzero"`
	TerminationReason string            `json:"termination_reason,omitempty"`
	WorkflowID        string            `json:"workflow_id,omitempty"`
}
