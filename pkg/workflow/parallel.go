package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
)

// Parallel runs every node as a concurrent branch. One sequence number is
// pre-allocated per branch before launch and stamped into the branch context,
// so the first Step of each branch orders by declaration regardless of branch
// duration; later Steps allocate normally. A failing branch fails the whole
// run, but only after every outstanding branch has been awaited.
type Parallel struct {
	id            string
	branches      []Node
	mergeTemplate string
	executor      *runnable.Executor
	logger        *slog.Logger
}

var _ runnable.Runnable = (*Parallel)(nil)

// ParallelConfig describes a Parallel workflow. MergeTemplate references
// branch ids; when empty, outputs concatenate as "[branch]:\n<output>" blocks.
type ParallelConfig struct {
	ID            string
	MergeTemplate string
	Branches      []Node
}

// NewParallel validates config and creates a Parallel workflow. Branch
// conditions are rejected: a skipped branch would orphan its pre-allocated
// sequence number and leave a gap.
func NewParallel(cfg ParallelConfig) (*Parallel, error) {
	if cfg.ID == "" {
		return nil, &runnable.ConfigError{Field: "workflow.id", Err: fmt.Errorf("is required")}
	}
	if err := validateNodes(cfg.Branches); err != nil {
		return nil, err
	}
	for _, b := range cfg.Branches {
		if b.Condition != nil {
			return nil, &runnable.ConfigError{
				Field: "branch.condition",
				Err:   fmt.Errorf("branch %q: parallel branches cannot be conditional", b.ID),
			}
		}
	}
	if cfg.MergeTemplate != "" {
		if err := ValidateTemplate(cfg.MergeTemplate); err != nil {
			return nil, &runnable.ConfigError{Field: "merge_template", Err: err}
		}
	}
	return &Parallel{
		id:            cfg.ID,
		branches:      cfg.Branches,
		mergeTemplate: cfg.MergeTemplate,
		executor:      runnable.NewExecutor(),
		logger:        slog.Default().With("component", "parallel", "workflow_id", cfg.ID),
	}, nil
}

func (p *Parallel) ID() string { return p.id }

func (p *Parallel) Type() models.RunnableType { return models.RunnableTypeWorkflow }

func (p *Parallel) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	if err := ec.CheckAbort(); err != nil {
		return nil, err
	}
	events := runnable.NewEventFactory(ec)

	seeds := make([]int, len(p.branches))
	for i := range p.branches {
		seq, err := ec.Sequences.Allocate(ctx, ec.SessionID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to pre-allocate sequence for branch %q: %w", p.branches[i].ID, err)
		}
		seeds[i] = seq
	}

	outputs := make([]string, len(p.branches))
	branchMetrics := make([]models.RunMetrics, len(p.branches))

	// Plain group on purpose: a branch failure must not cancel its siblings,
	// the whole run fails only after every branch has been awaited.
	var g errgroup.Group
	for i, branch := range p.branches {
		events.BranchStarted(ctx, branch.ID)
		g.Go(func() error {
			scope := NewScope(input)
			childEC := ec.Child(runnable.ChildSpec{
				RunnableID:   branch.Runnable.ID(),
				RunnableType: branch.Runnable.Type(),
				NestingType:  models.NestingWorkflowNode,
				WorkflowID:   p.id,
				NodeID:       branch.ID,
				BranchKey:    branch.ID,
				Metadata:     map[string]any{store.MetaSeqStart: seeds[i]},
			})
			out, err := p.executor.Execute(ctx, branch.Runnable, RenderTemplate(branch.InputTemplate, scope), childEC)
			events.BranchCompleted(ctx, branch.ID, err)
			if err != nil {
				return fmt.Errorf("branch %q: %w", branch.ID, err)
			}
			outputs[i] = out.Response
			branchMetrics[i] = out.Metrics
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var metrics models.RunMetrics
	for _, m := range branchMetrics {
		metrics.Add(m)
	}
	return &runnable.RunOutput{
		Response:          p.merge(input, outputs),
		Metrics:           metrics,
		TerminationReason: models.TerminationNormal,
		WorkflowID:        p.id,
	}, nil
}

func (p *Parallel) merge(input string, outputs []string) string {
	if p.mergeTemplate != "" {
		scope := NewScope(input)
		for i, branch := range p.branches {
			scope.SetNodeOutput(branch.ID, outputs[i])
		}
		return RenderTemplate(p.mergeTemplate, scope)
	}
	blocks := make([]string, len(p.branches))
	for i, branch := range p.branches {
		blocks[i] = fmt.Sprintf("[%s]:\n%s", branch.ID, outputs[i])
	}
	return strings.Join(blocks, "\n\n")
}
