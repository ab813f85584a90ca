package runnable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/wire"
)

func newRootContext(t *testing.T) *ExecutionContext {
	t.Helper()
	mem := store.NewMemoryStore()
	return &ExecutionContext{
		RunID:        models.NewRunID(),
		SessionID:    "sess-1",
		UserID:       "u1",
		RunnableID:   "root-agent",
		RunnableType: models.RunnableTypeAgent,
		NestingType:  models.NestingNone,
		TraceID:      "trace-1",
		SpanID:       "span-root",
		Metadata:     map[string]any{},
		Lineage:      []string{"root-agent"},
		Wire:         wire.New(16),
		Abort:        NewAbortSignal(),
		Store:        mem,
		Sequences:    store.NewSequenceManager(mem),
	}
}

func TestExecutionContext_Child(t *testing.T) {
	root := newRootContext(t)
	root.TimeoutAt = time.Now().Add(time.Minute)

	child := root.Child(ChildSpec{
		RunnableID:   "nested-agent",
		RunnableType: models.RunnableTypeAgent,
		NestingType:  models.NestingToolCall,
	})

	assert.NotEqual(t, root.RunID, child.RunID)
	assert.Equal(t, root.RunID, child.ParentRunID)
	assert.Equal(t, root.Depth+1, child.Depth)
	assert.Equal(t, root.SessionID, child.SessionID)
	assert.Equal(t, root.UserID, child.UserID)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
	assert.Equal(t, root.TimeoutAt, child.TimeoutAt)
	assert.Same(t, root.Wire, child.Wire)
	assert.Same(t, root.Abort, child.Abort)
	assert.Equal(t, []string{"root-agent", "nested-agent"}, child.Lineage)

	// The parent context is untouched.
	assert.Equal(t, []string{"root-agent"}, root.Lineage)
	assert.Equal(t, models.NestingNone, root.NestingType)
}

func TestExecutionContext_ChildInheritsWorkflowID(t *testing.T) {
	root := newRootContext(t)
	root.WorkflowID = "wf-1"

	child := root.Child(ChildSpec{
		RunnableID:   "stage-agent",
		RunnableType: models.RunnableTypeAgent,
		NestingType:  models.NestingWorkflowNode,
		NodeID:       "triage",
	})
	assert.Equal(t, "wf-1", child.WorkflowID)
	assert.Equal(t, "triage", child.NodeID)
}

func TestExecutionContext_InLineage(t *testing.T) {
	root := newRootContext(t)
	child := root.Child(ChildSpec{RunnableID: "b"})
	assert.True(t, child.InLineage("root-agent"))
	assert.True(t, child.InLineage("b"))
	assert.False(t, child.InLineage("c"))
}

func TestExecutionContext_AllocateSequence(t *testing.T) {
	root := newRootContext(t)
	ctx := context.Background()

	seq, err := root.AllocateSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	// A pre-allocated seed is consumed once.
	root.Metadata[store.MetaSeqStart] = 7
	seq, err = root.AllocateSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, seq)

	seq, err = root.AllocateSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

func TestExecutionContext_CheckAbort(t *testing.T) {
	root := newRootContext(t)
	assert.NoError(t, root.CheckAbort())

	root.Abort.Abort("user request")
	assert.ErrorIs(t, root.CheckAbort(), ErrCancelled)
}

func TestExecutionContext_CheckAbortRaisesOnDeadline(t *testing.T) {
	root := newRootContext(t)
	root.TimeoutAt = time.Now().Add(-time.Second)

	err := root.CheckAbort()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "timeout", root.Abort.Reason())
}

func TestExecutionContext_EffectiveTimeout(t *testing.T) {
	root := newRootContext(t)

	// No deadline: local limit passes through.
	assert.Equal(t, time.Minute, root.EffectiveTimeout(time.Minute))
	assert.Equal(t, time.Duration(0), root.EffectiveTimeout(0))

	// Deadline tighter than local limit.
	root.TimeoutAt = time.Now().Add(time.Second)
	got := root.EffectiveTimeout(time.Minute)
	assert.Greater(t, got, time.Duration(0))
	assert.LessOrEqual(t, got, time.Second)

	// Expired deadline clamps to a minimal positive value.
	root.TimeoutAt = time.Now().Add(-time.Second)
	assert.Greater(t, root.EffectiveTimeout(time.Minute), time.Duration(0))
}
