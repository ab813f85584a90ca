// Package runnable defines the stable execution contract of the engine: the
// Runnable interface, the immutable ExecutionContext propagated down the
// invocation tree, the cooperative AbortSignal, the context-bound event
// factory, and the RunnableExecutor that wraps every invocation with its Run
// lifecycle.
package runnable

import (
	"context"
	"slices"
	"time"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/wire"
)

// ExecutionContext carries the identity and shared services of one run. It is
// immutable: derivations happen only through Child. The Wire, AbortSignal,
// store and sequence manager are shared down the tree; everything else is
// per-run.
type ExecutionContext struct {
	RunID     string
	SessionID string
	UserID    string

	RunnableID   string
	RunnableType models.RunnableType
	NestingType  models.NestingType

	WorkflowID string
	NodeID     string
	BranchKey  string
	Iteration  int

	Depth       int
	ParentRunID string

	TraceID      string
	SpanID       string
	ParentSpanID string

	// TimeoutAt is an absolute deadline; zero means none. On expiry the
	// AbortSignal is raised rather than the work being torn down, so
	// termination summaries still get to run.
	TimeoutAt time.Time

	// Metadata carries per-context hints such as the parallel-workflow
	// sequence seed. Owned by this context's goroutine.
	Metadata map[string]any

	// Lineage is the chain of runnable ids from the root down to (and
	// including) this context's runnable. Used by the cycle guard.
	Lineage []string

	Wire      *wire.Wire
	Abort     *AbortSignal
	Store     store.SessionStore
	Sequences *store.SequenceManager
}

// ChildSpec names what differs in a derived context.
type ChildSpec struct {
	RunnableID   string
	RunnableType models.RunnableType
	NestingType  models.NestingType
	WorkflowID   string
	NodeID       string
	BranchKey    string
	Iteration    int
	Metadata     map[string]any
}

// Child derives the context for a nested run: fresh run id, depth+1, this
// run as parent, shared wire/abort/store, inherited deadline, trace and
// session identity. The parent span becomes the child's parent span.
func (c *ExecutionContext) Child(spec ChildSpec) *ExecutionContext {
	workflowID := spec.WorkflowID
	if workflowID == "" {
		workflowID = c.WorkflowID
	}
	meta := spec.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	return &ExecutionContext{
		RunID:     models.NewRunID(),
		SessionID: c.SessionID,
		UserID:    c.UserID,

		RunnableID:   spec.RunnableID,
		RunnableType: spec.RunnableType,
		NestingType:  spec.NestingType,

		WorkflowID: workflowID,
		NodeID:     spec.NodeID,
		BranchKey:  spec.BranchKey,
		Iteration:  spec.Iteration,

		Depth:       c.Depth + 1,
		ParentRunID: c.RunID,

		TraceID:      c.TraceID,
		SpanID:       models.NewRunID(),
		ParentSpanID: c.SpanID,

		TimeoutAt: c.TimeoutAt,
		Metadata:  meta,
		Lineage:   append(slices.Clone(c.Lineage), spec.RunnableID),

		Wire:      c.Wire,
		Abort:     c.Abort,
		Store:     c.Store,
		Sequences: c.Sequences,
	}
}

// InLineage reports whether the given runnable id already occurs above this
// context's own runnable, which would make a nested invocation cyclic.
func (c *ExecutionContext) InLineage(runnableID string) bool {
	return slices.Contains(c.Lineage, runnableID)
}

// AllocateSequence returns the next Step sequence for this context's session,
// honouring a pre-allocated seed in Metadata.
func (c *ExecutionContext) AllocateSequence(ctx context.Context) (int, error) {
	return c.Sequences.Allocate(ctx, c.SessionID, c.Metadata)
}

// CheckAbort returns ErrCancelled when the signal is raised or the deadline
// has passed. Call it at suspension points.
func (c *ExecutionContext) CheckAbort() error {
	if c.Abort == nil {
		return nil
	}
	if !c.TimeoutAt.IsZero() && time.Now().After(c.TimeoutAt) {
		c.Abort.Abort("timeout")
	}
	return c.Abort.Err()
}

// EffectiveTimeout returns the smaller of a local limit and the remaining
// time until TimeoutAt. local <= 0 means no local limit; a zero return means
// no limit at all. A negative remaining deadline clamps to a minimal positive
// value so callers still observe expiry through their own machinery.
func (c *ExecutionContext) EffectiveTimeout(local time.Duration) time.Duration {
	if c.TimeoutAt.IsZero() {
		return local
	}
	remaining := time.Until(c.TimeoutAt)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if local <= 0 || remaining < local {
		return remaining
	}
	return local
}
