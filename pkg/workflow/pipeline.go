package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
)

// Pipeline executes its nodes in declared order. A node whose terminal
// assistant Step already exists in the session is not re-executed: its cached
// output is taken from the Step log, which is what makes resume idempotent.
type Pipeline struct {
	id       string
	nodes    []Node
	executor *runnable.Executor
	logger   *slog.Logger
}

var _ runnable.Runnable = (*Pipeline)(nil)

// NewPipeline validates the node list and creates a Pipeline.
func NewPipeline(id string, nodes ...Node) (*Pipeline, error) {
	if id == "" {
		return nil, &runnable.ConfigError{Field: "workflow.id", Err: fmt.Errorf("is required")}
	}
	if err := validateNodes(nodes); err != nil {
		return nil, err
	}
	return &Pipeline{
		id:       id,
		nodes:    nodes,
		executor: runnable.NewExecutor(),
		logger:   slog.Default().With("component", "pipeline", "workflow_id", id),
	}, nil
}

func (p *Pipeline) ID() string { return p.id }

func (p *Pipeline) Type() models.RunnableType { return models.RunnableTypeWorkflow }

func (p *Pipeline) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	events := runnable.NewEventFactory(ec)
	scope := NewScope(input)

	var last string
	var metrics models.RunMetrics
	for _, node := range p.nodes {
		if err := ec.CheckAbort(); err != nil {
			return nil, err
		}

		cached, ok, err := p.cachedOutput(ctx, ec, node.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			p.logger.Info("Node already complete, reusing output", "node_id", node.ID)
			scope.SetNodeOutput(node.ID, cached)
			last = cached
			events.StageCompleted(ctx, node.ID, cached)
			continue
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
			WorkflowID:   p.id,
			NodeID:       node.ID,
		})
		out, err := p.executor.Execute(ctx, node.Runnable, RenderTemplate(node.InputTemplate, scope), childEC)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.ID, err)
		}
		scope.SetNodeOutput(node.ID, out.Response)
		last = out.Response
		metrics.Add(out.Metrics)
		events.StageCompleted(ctx, node.ID, out.Response)
	}

	return &runnable.RunOutput{
		Response:          last,
		Metrics:           metrics,
		TerminationReason: models.TerminationNormal,
		WorkflowID:        p.id,
	}, nil
}

// cachedOutput looks for a terminal assistant Step this workflow already
// committed for the node in this session.
func (p *Pipeline) cachedOutput(ctx context.Context, ec *runnable.ExecutionContext, nodeID string) (string, bool, error) {
	steps, err := ec.Store.GetSteps(ctx, ec.SessionID, store.StepFilter{
		WorkflowID: p.id,
		NodeID:     nodeID,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to load steps for node %q: %w", nodeID, err)
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].IsTerminalAssistant() {
			return steps[i].Content, true, nil
		}
	}
	return "", false, nil
}
