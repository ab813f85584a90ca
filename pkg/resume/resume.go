// Package resume formalises resume, retry and fork over the Step log. All
// three operations infer execution state purely from persisted Steps: the
// last Step's shape decides whether a session is complete, has unexecuted
// tool calls, or simply continues.
package resume

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runwire/runwire/pkg/agent"
	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
)

// Executor resumes, retries and forks sessions.
type Executor struct {
	store    store.SessionStore
	registry *runnable.Registry
	runner   *runnable.Executor
	logger   *slog.Logger
}

// NewExecutor creates a resume executor over the given store and registry.
func NewExecutor(st store.SessionStore, reg *runnable.Registry) *Executor {
	return &Executor{
		store:    st,
		registry: reg,
		runner:   runnable.NewExecutor(),
		logger:   slog.Default().With("component", "resume"),
	}
}

// optionsRunner is satisfied by Agent; it lets resume hand persisted history
// and pending tool calls into the loop.
type optionsRunner interface {
	runnable.Runnable
	RunWithOptions(ctx context.Context, input string, ec *runnable.ExecutionContext, opts agent.Options) (*runnable.RunOutput, error)
}

// Resume continues a session from its Step log. runnableID may be empty, in
// which case it is inferred from the last Step. A session whose last Step is
// a terminal assistant is already complete and returns immediately without a
// new run.
func (e *Executor) Resume(ctx context.Context, ec *runnable.ExecutionContext, runnableID string) (*runnable.RunOutput, error) {
	steps, err := e.store.GetSteps(ctx, ec.SessionID, store.StepFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", ec.SessionID, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("session %s has no steps: %w", ec.SessionID, runnable.ErrNotFound)
	}
	last := steps[len(steps)-1]

	if last.IsTerminalAssistant() {
		e.logger.Info("Session already complete", "session_id", ec.SessionID, "last_sequence", last.Sequence)
		return &runnable.RunOutput{
			Response:          last.Content,
			SessionID:         ec.SessionID,
			TerminationReason: models.TerminationNormal,
		}, nil
	}

	if runnableID == "" {
		runnableID = last.RunnableID
	}
	r, err := e.registry.Get(runnableID)
	if err != nil {
		return nil, err
	}
	resumeEC := retarget(ec, r)

	if ag, ok := r.(optionsRunner); ok {
		opts := agent.Options{History: models.StepsToMessages(steps)}
		if last.Role == models.RoleAssistant && last.HasToolCalls() {
			opts.PendingToolCalls = last.ToolCalls
		}
		return e.runner.Execute(ctx, &resumedAgent{optionsRunner: ag, opts: opts}, "", resumeEC)
	}

	if last.Role == models.RoleAssistant && last.HasToolCalls() {
		return nil, fmt.Errorf("runnable %q cannot resume pending tool calls", runnableID)
	}
	// Workflows re-run from the original query; pipeline idempotency skips
	// the nodes whose terminal Steps already exist.
	return e.runner.Execute(ctx, r, firstUserInput(steps), resumeEC)
}

// Retry deletes all Steps with sequence >= fromSeq and resumes from what
// remains. The store rewinds the session counter, so re-dispatched Steps
// continue gap-free.
func (e *Executor) Retry(ctx context.Context, ec *runnable.ExecutionContext, runnableID string, fromSeq int) (*runnable.RunOutput, error) {
	if fromSeq <= 0 {
		return nil, &runnable.ConfigError{Field: "from_sequence", Err: fmt.Errorf("must be positive, got %d", fromSeq)}
	}
	if err := e.store.DeleteSteps(ctx, ec.SessionID, fromSeq); err != nil {
		return nil, fmt.Errorf("failed to delete steps from sequence %d: %w", fromSeq, err)
	}
	e.logger.Info("Retrying session", "session_id", ec.SessionID, "from_sequence", fromSeq)
	return e.Resume(ctx, ec, runnableID)
}

// Fork copies all Steps with sequence <= atSeq into a new session, preserving
// sequence numbers, and aligns the new session's counter so continuation
// allocates past the copied prefix. Returns the number of Steps copied.
func (e *Executor) Fork(ctx context.Context, sessionID, newSessionID string, atSeq int) (int, error) {
	if newSessionID == "" || newSessionID == sessionID {
		return 0, &runnable.ConfigError{Field: "new_session_id", Err: fmt.Errorf("must name a different session")}
	}
	steps, err := e.store.GetSteps(ctx, sessionID, store.StepFilter{EndSeq: atSeq})
	if err != nil {
		return 0, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if len(steps) == 0 {
		return 0, fmt.Errorf("session %s has no steps at or before sequence %d: %w", sessionID, atSeq, runnable.ErrNotFound)
	}

	clones := make([]*models.Step, len(steps))
	maxSeq := 0
	for i, s := range steps {
		c := s.Clone()
		c.ID = models.NewStepID()
		c.SessionID = newSessionID
		clones[i] = c
		if c.Sequence > maxSeq {
			maxSeq = c.Sequence
		}
	}
	if err := e.store.SaveStepsBatch(ctx, clones); err != nil {
		return 0, fmt.Errorf("failed to copy steps into session %s: %w", newSessionID, err)
	}
	if err := e.store.SyncSequence(ctx, newSessionID, maxSeq); err != nil {
		return 0, err
	}
	e.logger.Info("Forked session", "session_id", sessionID, "new_session_id", newSessionID, "steps", len(clones))
	return len(clones), nil
}

// resumedAgent adapts an agent plus resume options back to the plain Runnable
// contract so RunnableExecutor wraps the resumed run like any other.
type resumedAgent struct {
	optionsRunner
	opts agent.Options
}

func (r *resumedAgent) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	return r.RunWithOptions(ctx, input, ec, r.opts)
}

// retarget rebinds the caller's context to the resolved runnable's identity.
func retarget(ec *runnable.ExecutionContext, r runnable.Runnable) *runnable.ExecutionContext {
	c := *ec
	c.RunnableID = r.ID()
	c.RunnableType = r.Type()
	if len(c.Lineage) == 0 {
		c.Lineage = []string{r.ID()}
	}
	return &c
}

func firstUserInput(steps []*models.Step) string {
	for _, s := range steps {
		if s.Role == models.RoleUser {
			return s.Content
		}
	}
	return ""
}
