package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/wire"
)

func runStarted(runID, parentRunID string, depth int, rt models.RunnableType) wire.Event {
	return wire.Event{
		Type:         wire.EventRunStarted,
		RunID:        runID,
		SessionID:    "sess-1",
		ParentRunID:  parentRunID,
		Depth:        depth,
		RunnableID:   "runnable-" + runID,
		RunnableType: rt,
		Timestamp:    time.Now().UTC(),
	}
}

func stepCompleted(runID string, step *models.Step) wire.Event {
	return wire.Event{
		Type:      wire.EventStepCompleted,
		RunID:     runID,
		StepID:    step.ID,
		Step:      step,
		Timestamp: time.Now().UTC(),
	}
}

func runCompleted(runID, response string) wire.Event {
	return wire.Event{
		Type:      wire.EventRunCompleted,
		RunID:     runID,
		Data:      map[string]any{"response": response},
		Timestamp: time.Now().UTC(),
	}
}

func assistantStep(tokens int, calls ...models.ToolCall) *models.Step {
	return &models.Step{
		ID:        models.NewStepID(),
		Role:      models.RoleAssistant,
		Content:   "thinking done",
		ToolCalls: calls,
		Metrics: models.StepMetrics{
			DurationMs:  120,
			TotalTokens: tokens,
			InputTokens: tokens - 5,
			Model:       "test-model",
			Provider:    "test",
		},
		CreatedAt: time.Now().UTC(),
	}
}

func toolStep(callID, content string) *models.Step {
	return &models.Step{
		ID:         models.NewStepID(),
		Role:       models.RoleTool,
		Name:       "echo",
		ToolCallID: callID,
		Content:    content,
		Metrics:    models.StepMetrics{ToolExecMs: 30},
		CreatedAt:  time.Now().UTC(),
	}
}

func spansOfKind(tr *Trace, kind SpanKind) []*Span {
	var out []*Span
	for _, s := range tr.Spans {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func TestCollector_BuildsSpanTree(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTraceStore()
	c := NewCollector("trace-1", store)

	call := models.ToolCall{
		ID:       "tc-1",
		Type:     "function",
		Function: models.FunctionCall{Name: "echo", Arguments: `{"text":"hi"}`},
	}
	c.Observe(ctx, runStarted("run-1", "", 0, models.RunnableTypeAgent))
	c.Observe(ctx, stepCompleted("run-1", assistantStep(28, call)))
	c.Observe(ctx, stepCompleted("run-1", toolStep("tc-1", "hi")))
	c.Observe(ctx, stepCompleted("run-1", assistantStep(15)))
	c.Observe(ctx, runCompleted("run-1", "final answer"))

	tr := c.Trace()
	assert.Equal(t, "sess-1", tr.SessionID)
	assert.Equal(t, 2, tr.LLMCalls)
	assert.Equal(t, 1, tr.ToolCalls)
	assert.Equal(t, 43, tr.TotalTokens)
	assert.False(t, tr.EndTime.IsZero())

	roots := spansOfKind(tr, SpanAgent)
	require.Len(t, roots, 1)
	root := roots[0]
	assert.Equal(t, tr.RootSpanID, root.ID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, SpanOK, root.Status)
	assert.Equal(t, "final answer", root.OutputPreview)

	// P10: every span parents into the trace, child depth = parent depth + 1,
	// aggregate tokens equal the sum over LLM_CALL spans.
	tokenSum := 0
	for _, s := range tr.Spans {
		if s.ID == tr.RootSpanID {
			continue
		}
		parent := tr.Span(s.ParentID)
		require.NotNil(t, parent, "span %s has dangling parent", s.ID)
		assert.Equal(t, parent.Depth+1, s.Depth)
	}
	for _, s := range spansOfKind(tr, SpanLLMCall) {
		tokenSum += s.Attributes["total_tokens"].(int)
	}
	assert.Equal(t, tr.TotalTokens, tokenSum)

	// Tool input args recovered from the assistant's tool-call cache.
	tools := spansOfKind(tr, SpanToolCall)
	require.Len(t, tools, 1)
	assert.Equal(t, `{"text":"hi"}`, tools[0].Attributes["input_args"])
	assert.Equal(t, "echo", tools[0].Name)

	// Incremental persistence happened at run boundaries.
	saved, err := store.GetTrace(ctx, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, len(tr.Spans), len(saved.Spans))
}

func TestCollector_NestedRunsParentCorrectly(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("trace-1", nil)

	c.Observe(ctx, runStarted("run-parent", "", 0, models.RunnableTypeWorkflow))
	nested := runStarted("run-child", "run-parent", 1, models.RunnableTypeAgent)
	nested.NestingType = models.NestingWorkflowNode
	c.Observe(ctx, nested)
	c.Observe(ctx, runCompleted("run-child", "child out"))
	c.Observe(ctx, runCompleted("run-parent", "parent out"))

	tr := c.Trace()
	require.Len(t, tr.Spans, 2)
	parent, child := tr.Spans[0], tr.Spans[1]
	assert.Equal(t, SpanWorkflow, parent.Kind)
	assert.Equal(t, SpanAgent, child.Kind)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "workflow_node", child.Attributes["nesting_type"])
	assert.Equal(t, 1, tr.MaxDepth)
}

func TestCollector_RunFailedMarksError(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("trace-1", nil)
	c.Observe(ctx, runStarted("run-1", "", 0, models.RunnableTypeAgent))
	c.Observe(ctx, wire.Event{
		Type:      wire.EventRunFailed,
		RunID:     "run-1",
		Error:     "provider down",
		Timestamp: time.Now().UTC(),
	})

	tr := c.Trace()
	require.Len(t, tr.Spans, 1)
	assert.Equal(t, SpanError, tr.Spans[0].Status)
	assert.Equal(t, "provider down", tr.Spans[0].Error)
}

func TestCollector_ToolErrorStatus(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("trace-1", nil)
	c.Observe(ctx, runStarted("run-1", "", 0, models.RunnableTypeAgent))
	c.Observe(ctx, stepCompleted("run-1", toolStep("tc-1", "Error: backend down")))

	tools := spansOfKind(c.Trace(), SpanToolCall)
	require.Len(t, tools, 1)
	assert.Equal(t, SpanError, tools[0].Status)
	assert.Equal(t, "Error: backend down", tools[0].Error)
}

func TestCollector_StageSpans(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("trace-1", nil)
	now := time.Now().UTC()

	c.Observe(ctx, runStarted("run-1", "", 0, models.RunnableTypeWorkflow))
	c.Observe(ctx, wire.Event{Type: wire.EventStageStarted, RunID: "run-1", NodeID: "classify", Timestamp: now})
	c.Observe(ctx, wire.Event{
		Type: wire.EventStageCompleted, RunID: "run-1", NodeID: "classify",
		Data: map[string]any{"output": "tech"}, Timestamp: now.Add(time.Second),
	})
	c.Observe(ctx, wire.Event{
		Type: wire.EventStageSkipped, RunID: "run-1", NodeID: "respond",
		Data: map[string]any{"condition": "{classify} contains 'x'"}, Timestamp: now.Add(time.Second),
	})

	stages := spansOfKind(c.Trace(), SpanStage)
	require.Len(t, stages, 2)
	assert.Equal(t, "classify", stages[0].Name)
	assert.Equal(t, SpanOK, stages[0].Status)
	assert.Equal(t, "tech", stages[0].OutputPreview)
	assert.Equal(t, true, stages[1].Attributes["skipped"])
}

func TestCollector_ToolArgsCacheBounded(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("trace-1", nil, WithToolArgsCacheSize(2))

	calls := []models.ToolCall{
		{ID: "tc-1", Function: models.FunctionCall{Name: "a", Arguments: `{"n":1}`}},
		{ID: "tc-2", Function: models.FunctionCall{Name: "b", Arguments: `{"n":2}`}},
		{ID: "tc-3", Function: models.FunctionCall{Name: "c", Arguments: `{"n":3}`}},
	}
	c.Observe(ctx, runStarted("run-1", "", 0, models.RunnableTypeAgent))
	c.Observe(ctx, stepCompleted("run-1", assistantStep(10, calls...)))
	c.Observe(ctx, stepCompleted("run-1", toolStep("tc-1", "one")))
	c.Observe(ctx, stepCompleted("run-1", toolStep("tc-3", "three")))

	tools := spansOfKind(c.Trace(), SpanToolCall)
	require.Len(t, tools, 2)
	// tc-1 was the oldest entry and got evicted when tc-3 arrived.
	_, hasArgs := tools[0].Attributes["input_args"]
	assert.False(t, hasArgs)
	assert.Equal(t, `{"n":3}`, tools[1].Attributes["input_args"])
}

type recordingExporter struct {
	ch chan *Trace
}

func (r *recordingExporter) ExportTrace(_ context.Context, t *Trace) error {
	r.ch <- t
	return nil
}

func TestCollector_FinishExportsAsync(t *testing.T) {
	ctx := context.Background()
	exp := &recordingExporter{ch: make(chan *Trace, 1)}
	c := NewCollector("trace-1", NewMemoryTraceStore(), WithExporter(exp))

	c.Observe(ctx, runStarted("run-1", "", 0, models.RunnableTypeAgent))
	c.Observe(ctx, runCompleted("run-1", "done"))
	c.Finish(ctx)

	select {
	case exported := <-exp.ch:
		assert.Equal(t, "trace-1", exported.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("export never happened")
	}

	// Finish is idempotent.
	c.Finish(ctx)
}

func TestCollector_TeeForwardsEvents(t *testing.T) {
	ctx := context.Background()
	c := NewCollector("trace-1", nil)

	in := make(chan wire.Event, 4)
	in <- runStarted("run-1", "", 0, models.RunnableTypeAgent)
	in <- runCompleted("run-1", "out")
	close(in)

	var forwarded []wire.Event
	for ev := range c.Tee(ctx, in) {
		forwarded = append(forwarded, ev)
	}
	require.Len(t, forwarded, 2)
	assert.Equal(t, wire.EventRunStarted, forwarded[0].Type)
	assert.Len(t, c.Trace().Spans, 1)
}

func TestMemoryTraceStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTraceStore()

	_, err := store.GetTrace(ctx, "nope")
	assert.ErrorIs(t, err, runnable.ErrNotFound)

	t1 := &Trace{ID: "t1", SessionID: "s1", Spans: []*Span{{ID: "sp1"}}}
	t2 := &Trace{ID: "t2", SessionID: "s2"}
	require.NoError(t, store.SaveTrace(ctx, t1))
	require.NoError(t, store.SaveTrace(ctx, t2))

	got, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	// Snapshots are isolated from later mutation.
	got.Spans[0].Name = "mutated"
	again, err := store.GetTrace(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, again.Spans[0].Name)

	bySession, err := store.QueryTraces(ctx, TraceFilter{SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, "t2", bySession[0].ID)

	newestFirst, err := store.QueryTraces(ctx, TraceFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, newestFirst, 1)
	assert.Equal(t, "t2", newestFirst[0].ID)
}
