package runnable

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/runwire/runwire/pkg/models"
)

// Executor wraps any Runnable invocation with its Run lifecycle: persist the
// Run record, emit RUN_STARTED, delegate, emit RUN_COMPLETED or RUN_FAILED,
// persist the terminal state. It never inspects Runnable internals, which is
// what keeps agents and workflows interchangeable.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor() *Executor {
	return &Executor{logger: slog.Default().With("component", "runnable_executor")}
}

// Execute runs r under the given context. The returned RunOutput is non-nil
// exactly when err is nil. A cancellation that still produced a response
// (termination summary) counts as success with termination_reason set.
func (e *Executor) Execute(ctx context.Context, r Runnable, input string, ec *ExecutionContext) (*RunOutput, error) {
	events := NewEventFactory(ec)

	run := &models.Run{
		ID:           ec.RunID,
		RunnableID:   r.ID(),
		RunnableType: r.Type(),
		SessionID:    ec.SessionID,
		UserID:       ec.UserID,
		InputQuery:   input,
		Status:       models.RunStatusRunning,
		WorkflowID:   ec.WorkflowID,
		ParentRunID:  ec.ParentRunID,
		StartedAt:    time.Now().UTC(),
	}
	e.saveRun(ctx, ec, run)

	events.RunStarted(ctx, input)

	out, err := r.Run(ctx, input, ec)

	run.CompletedAt = time.Now().UTC()
	run.Metrics.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()

	if err != nil {
		if errors.Is(err, ErrCancelled) {
			run.Status = models.RunStatusCancelled
		} else {
			run.Status = models.RunStatusFailed
		}
		run.Error = err.Error()
		e.saveRun(ctx, ec, run)
		events.RunFailed(ctx, err)
		e.logger.Error("Run failed",
			"run_id", run.ID, "runnable_id", r.ID(), "error", err)
		return nil, err
	}

	out.RunID = ec.RunID
	out.SessionID = ec.SessionID
	run.Status = models.RunStatusCompleted
	durationMs := run.Metrics.DurationMs
	run.Metrics = out.Metrics
	run.Metrics.DurationMs = durationMs
	e.saveRun(ctx, ec, run)
	events.RunCompleted(ctx, out)

	return out, nil
}

// saveRun persists best-effort: persistence failures are logged, never raised
// into the stream.
func (e *Executor) saveRun(ctx context.Context, ec *ExecutionContext, run *models.Run) {
	if ec.Store == nil {
		return
	}
	if err := ec.Store.SaveRun(ctx, run); err != nil {
		e.logger.Warn("Failed to persist run record",
			"run_id", run.ID, "status", run.Status, "error", err)
	}
}
