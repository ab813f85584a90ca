package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

type fakeRunnable struct {
	id  string
	fn  func(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error)
}

func (f *fakeRunnable) ID() string                 { return f.id }
func (f *fakeRunnable) Type() models.RunnableType  { return models.RunnableTypeAgent }
func (f *fakeRunnable) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	return f.fn(ctx, input, ec)
}

func TestRunnableTool_Execute(t *testing.T) {
	var childEC *runnable.ExecutionContext
	nested := &fakeRunnable{id: "nested-agent", fn: func(_ context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
		childEC = ec
		return &runnable.RunOutput{Response: "nested says: " + input, TerminationReason: models.TerminationNormal}, nil
	}}
	rt := NewRunnableTool(nested, "delegate to the nested agent")
	ec := newTestContext(t)

	out, err := rt.Execute(context.Background(), &Invocation{
		ToolCallID: "c1",
		Args:       map[string]any{"input": "hello"},
		Context:    ec,
	})
	require.NoError(t, err)
	assert.Equal(t, "nested says: hello", out)

	require.NotNil(t, childEC)
	assert.Equal(t, ec.RunID, childEC.ParentRunID)
	assert.Equal(t, ec.Depth+1, childEC.Depth)
	assert.Equal(t, models.NestingToolCall, childEC.NestingType)
	assert.Same(t, ec.Wire, childEC.Wire)
}

func TestRunnableTool_CycleGuard(t *testing.T) {
	self := &fakeRunnable{id: "agent-1"} // same id as the calling context's lineage
	rt := NewRunnableTool(self, "self call")
	ec := newTestContext(t)

	_, err := rt.Execute(context.Background(), &Invocation{
		Args:    map[string]any{"input": "x"},
		Context: ec,
	})
	assert.ErrorIs(t, err, runnable.ErrCircularReference)
}

func TestRunnableTool_DepthGuard(t *testing.T) {
	nested := &fakeRunnable{id: "deep-agent"}
	rt := NewRunnableTool(nested, "too deep")
	ec := newTestContext(t)
	ec.Depth = MaxNestingDepth

	_, err := rt.Execute(context.Background(), &Invocation{
		Args:    map[string]any{"input": "x"},
		Context: ec,
	})
	assert.ErrorIs(t, err, runnable.ErrMaxDepthExceeded)
}

func TestRunnableTool_MissingInput(t *testing.T) {
	rt := NewRunnableTool(&fakeRunnable{id: "a"}, "")
	_, err := rt.Execute(context.Background(), &Invocation{
		Args:    map[string]any{},
		Context: newTestContext(t),
	})
	assert.Error(t, err)
}
