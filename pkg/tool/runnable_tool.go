package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

// MaxNestingDepth caps how deep runnables can invoke each other through
// tools before the guard trips.
const MaxNestingDepth = 8

var runnableToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"input": {
			"type": "string",
			"description": "The task or question to delegate"
		}
	},
	"required": ["input"]
}`)

// RunnableTool exposes a Runnable as a tool, which is what lets agents
// compose as tools and workflows be called from inside an agent. The nested
// run emits its own lifecycle events into the same Wire.
type RunnableTool struct {
	target      runnable.Runnable
	description string
	executor    *runnable.Executor
}

var _ Tool = (*RunnableTool)(nil)

// NewRunnableTool wraps target. The tool's name is the target's id.
func NewRunnableTool(target runnable.Runnable, description string) *RunnableTool {
	return &RunnableTool{
		target:      target,
		description: description,
		executor:    runnable.NewExecutor(),
	}
}

func (t *RunnableTool) Name() string { return t.target.ID() }

func (t *RunnableTool) Description() string { return t.description }

func (t *RunnableTool) Schema() json.RawMessage { return runnableToolSchema }

// Cacheable is false: nested runs have side effects (Steps, events).
func (t *RunnableTool) Cacheable() bool { return false }

func (t *RunnableTool) ConcurrencySafe() bool { return true }

func (t *RunnableTool) Execute(ctx context.Context, inv *Invocation) (any, error) {
	ec := inv.Context

	if ec.InLineage(t.target.ID()) {
		return nil, fmt.Errorf("%w: %s already active in this run",
			runnable.ErrCircularReference, t.target.ID())
	}
	if ec.Depth >= MaxNestingDepth {
		return nil, fmt.Errorf("%w: depth %d", runnable.ErrMaxDepthExceeded, ec.Depth)
	}

	input, _ := inv.Args["input"].(string)
	if input == "" {
		return nil, fmt.Errorf("missing input for %s", t.target.ID())
	}

	child := ec.Child(runnable.ChildSpec{
		RunnableID:   t.target.ID(),
		RunnableType: t.target.Type(),
		NestingType:  models.NestingToolCall,
	})

	out, err := t.executor.Execute(ctx, t.target, input, child)
	if err != nil {
		return nil, err
	}
	return out.Response, nil
}
