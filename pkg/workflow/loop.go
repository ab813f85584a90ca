package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

// DefaultMaxIterations bounds a Loop when config leaves the cap unset.
const DefaultMaxIterations = 10

// Loop repeats its node list. After each iteration the node outputs are
// snapshotted into loop.last and appended to loop.history, then the continue
// condition decides whether another iteration runs. An empty condition loops
// until max iterations.
type Loop struct {
	id            string
	nodes         []Node
	condition     *Condition
	maxIterations int
	executor      *runnable.Executor
	logger        *slog.Logger
}

var _ runnable.Runnable = (*Loop)(nil)

// LoopConfig describes a Loop workflow.
type LoopConfig struct {
	ID string
	// Condition is evaluated after each iteration; false exits the loop.
	Condition     string
	MaxIterations int
	Nodes         []Node
}

// NewLoop validates config and creates a Loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.ID == "" {
		return nil, &runnable.ConfigError{Field: "workflow.id", Err: fmt.Errorf("is required")}
	}
	if err := validateNodes(cfg.Nodes); err != nil {
		return nil, err
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	l := &Loop{
		id:            cfg.ID,
		nodes:         cfg.Nodes,
		maxIterations: cfg.MaxIterations,
		executor:      runnable.NewExecutor(),
		logger:        slog.Default().With("component", "loop", "workflow_id", cfg.ID),
	}
	if cfg.Condition != "" {
		cond, err := CompileCondition(cfg.Condition)
		if err != nil {
			return nil, err
		}
		l.condition = cond
	}
	return l, nil
}

func (l *Loop) ID() string { return l.id }

func (l *Loop) Type() models.RunnableType { return models.RunnableTypeWorkflow }

func (l *Loop) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	events := runnable.NewEventFactory(ec)
	scope := NewScope(input)
	loopState := map[string]any{
		"last":      map[string]any{},
		"history":   []any{},
		"iteration": 1,
	}
	scope["loop"] = loopState

	var last string
	var metrics models.RunMetrics
	for iter := 1; iter <= l.maxIterations; iter++ {
		if err := ec.CheckAbort(); err != nil {
			return nil, err
		}
		loopState["iteration"] = iter
		events.IterationStarted(ctx, iter)

		for _, node := range l.nodes {
			if err := ec.CheckAbort(); err != nil {
				return nil, err
			}
			if node.Condition != nil && !node.Condition.Eval(scope) {
				events.StageSkipped(ctx, node.ID, node.Condition.String())
				continue
			}
			events.StageStarted(ctx, node.ID)
			childEC := ec.Child(runnable.ChildSpec{
				RunnableID:   node.Runnable.ID(),
				RunnableType: node.Runnable.Type(),
				NestingType:  models.NestingWorkflowNode,
				WorkflowID:   l.id,
				NodeID:       node.ID,
				Iteration:    iter,
			})
			out, err := l.executor.Execute(ctx, node.Runnable, RenderTemplate(node.InputTemplate, scope), childEC)
			if err != nil {
				return nil, fmt.Errorf("iteration %d node %q: %w", iter, node.ID, err)
			}
			scope.SetNodeOutput(node.ID, out.Response)
			last = out.Response
			metrics.Add(out.Metrics)
			events.StageCompleted(ctx, node.ID, out.Response)
		}

		if iter == l.maxIterations {
			break
		}
		outputs := scope.NodeOutputs()
		loopState["last"] = outputs
		history, _ := loopState["history"].([]any)
		loopState["history"] = append(history, outputs)
		if l.condition != nil && !l.condition.Eval(scope) {
			l.logger.Info("Loop condition false, exiting", "iteration", iter)
			break
		}
	}

	return &runnable.RunOutput{
		Response:          last,
		Metrics:           metrics,
		TerminationReason: models.TerminationNormal,
		WorkflowID:        l.id,
	}, nil
}
