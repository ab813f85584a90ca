package resume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/pkg/agent"
	"github.com/runwire/runwire/pkg/llm"
	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/tool"
	"github.com/runwire/runwire/pkg/wire"
)

func newResumeContext(t *testing.T, mem *store.MemoryStore, sessionID string) *runnable.ExecutionContext {
	t.Helper()
	return &runnable.ExecutionContext{
		RunID:     models.NewRunID(),
		SessionID: sessionID,
		Metadata:  map[string]any{},
		Wire:      wire.New(256),
		Abort:     runnable.NewAbortSignal(),
		Store:     mem,
		Sequences: store.NewSequenceManager(mem),
	}
}

func seedStep(seq int, role models.Role, content string, calls ...models.ToolCall) *models.Step {
	return &models.Step{
		ID:         models.NewStepID(),
		SessionID:  "sess-1",
		RunID:      "run-old",
		Sequence:   seq,
		Role:       role,
		Content:    content,
		ToolCalls:  calls,
		RunnableID: "agent-1",
		CreatedAt:  time.Now().UTC(),
	}
}

func seedSession(t *testing.T, mem *store.MemoryStore, steps ...*models.Step) {
	t.Helper()
	require.NoError(t, mem.SaveStepsBatch(context.Background(), steps))
	maxSeq := 0
	for _, s := range steps {
		if s.Sequence > maxSeq {
			maxSeq = s.Sequence
		}
	}
	require.NoError(t, mem.SyncSequence(context.Background(), "sess-1", maxSeq))
}

func newRegisteredAgent(t *testing.T, client llm.Client) *runnable.Registry {
	t.Helper()
	exec, err := tool.NewExecutor(tool.EchoTool{})
	require.NoError(t, err)
	a, err := agent.New(agent.Config{ID: "agent-1", Client: client, Tools: exec})
	require.NoError(t, err)
	reg := runnable.NewRegistry()
	require.NoError(t, reg.Register(a))
	return reg
}

func TestResume_CompleteSessionReturnsImmediately(t *testing.T) {
	mem := store.NewMemoryStore()
	seedSession(t, mem,
		seedStep(1, models.RoleUser, "question"),
		seedStep(2, models.RoleAssistant, "final answer"),
	)
	client := llm.NewScriptedClient()
	e := NewExecutor(mem, newRegisteredAgent(t, client))

	out, err := e.Resume(context.Background(), newResumeContext(t, mem, "sess-1"), "")
	require.NoError(t, err)
	assert.Equal(t, "final answer", out.Response)
	assert.Equal(t, models.TerminationNormal, out.TerminationReason)
	assert.Empty(t, client.Requests(), "no model call for a complete session")
}

func TestResume_PendingToolCallsExecuteFirst(t *testing.T) {
	pending := models.ToolCall{
		ID:       "c1",
		Type:     "function",
		Function: models.FunctionCall{Name: "echo", Arguments: `{"text":"carried"}`},
	}
	mem := store.NewMemoryStore()
	seedSession(t, mem,
		seedStep(1, models.RoleUser, "question"),
		seedStep(2, models.RoleAssistant, "", pending),
	)
	client := llm.NewScriptedClient(llm.TextTurn("done after tool"))
	e := NewExecutor(mem, newRegisteredAgent(t, client))
	ec := newResumeContext(t, mem, "sess-1")

	out, err := e.Resume(context.Background(), ec, "")
	require.NoError(t, err)
	assert.Equal(t, "done after tool", out.Response)

	steps, err := mem.GetSteps(context.Background(), "sess-1", store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, models.RoleTool, steps[2].Role)
	assert.Equal(t, 3, steps[2].Sequence, "tool step lands right after the seeded prefix")
	assert.Equal(t, "c1", steps[2].ToolCallID)
	assert.Equal(t, "carried", steps[2].Content)
	assert.Equal(t, models.RoleAssistant, steps[3].Role)
	assert.Equal(t, 4, steps[3].Sequence)

	// The resumed run has a proper lifecycle on the wire.
	ec.Wire.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var sawCompleted bool
	for ev := range ec.Wire.Read(ctx) {
		if ev.Type == wire.EventRunCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestResume_ContinuesFromUserStep(t *testing.T) {
	mem := store.NewMemoryStore()
	seedSession(t, mem, seedStep(1, models.RoleUser, "question"))
	client := llm.NewScriptedClient(llm.TextTurn("picked up"))
	e := NewExecutor(mem, newRegisteredAgent(t, client))

	out, err := e.Resume(context.Background(), newResumeContext(t, mem, "sess-1"), "")
	require.NoError(t, err)
	assert.Equal(t, "picked up", out.Response)

	// History seeded the conversation; no duplicate user step was recorded.
	steps, err := mem.GetSteps(context.Background(), "sess-1", store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[1].Sequence)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "question", reqs[0].Messages[len(reqs[0].Messages)-1].Content)
}

func TestResume_UnknownSession(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewExecutor(mem, runnable.NewRegistry())

	_, err := e.Resume(context.Background(), newResumeContext(t, mem, "nope"), "")
	assert.ErrorIs(t, err, runnable.ErrNotFound)
}

func TestResume_UnknownRunnable(t *testing.T) {
	mem := store.NewMemoryStore()
	seedSession(t, mem, seedStep(1, models.RoleUser, "question"))
	e := NewExecutor(mem, runnable.NewRegistry())

	_, err := e.Resume(context.Background(), newResumeContext(t, mem, "sess-1"), "")
	assert.ErrorIs(t, err, runnable.ErrNotFound)
}

func TestRetry_DeletesAndRedispatches(t *testing.T) {
	mem := store.NewMemoryStore()
	seedSession(t, mem,
		seedStep(1, models.RoleUser, "question"),
		seedStep(2, models.RoleAssistant, "wrong answer"),
	)
	client := llm.NewScriptedClient(llm.TextTurn("better answer"))
	e := NewExecutor(mem, newRegisteredAgent(t, client))

	out, err := e.Retry(context.Background(), newResumeContext(t, mem, "sess-1"), "", 2)
	require.NoError(t, err)
	assert.Equal(t, "better answer", out.Response)

	steps, err := mem.GetSteps(context.Background(), "sess-1", store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "better answer", steps[1].Content)
	assert.Equal(t, 2, steps[1].Sequence, "counter rewound, no gap")
}

func TestRetry_RejectsNonPositiveSequence(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewExecutor(mem, runnable.NewRegistry())
	_, err := e.Retry(context.Background(), newResumeContext(t, mem, "sess-1"), "", 0)
	var cfgErr *runnable.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFork_CopiesPrefixIndependently(t *testing.T) {
	mem := store.NewMemoryStore()
	var seeds []*models.Step
	for i := 1; i <= 4; i++ {
		role := models.RoleUser
		if i%2 == 0 {
			role = models.RoleAssistant
		}
		seeds = append(seeds, seedStep(i, role, "step"))
	}
	seedSession(t, mem, seeds...)
	e := NewExecutor(mem, runnable.NewRegistry())

	copied, err := e.Fork(context.Background(), "sess-1", "sess-fork", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, copied)

	forked, err := mem.GetSteps(context.Background(), "sess-fork", store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, forked, 2)
	assert.Equal(t, 1, forked[0].Sequence)
	assert.Equal(t, 2, forked[1].Sequence)
	assert.Equal(t, "sess-fork", forked[0].SessionID)

	// Continuation allocates past the copied prefix.
	next, err := mem.AllocateSequence(context.Background(), "sess-fork")
	require.NoError(t, err)
	assert.Equal(t, 3, next)

	// The original session is untouched.
	original, err := mem.GetSteps(context.Background(), "sess-1", store.StepFilter{})
	require.NoError(t, err)
	assert.Len(t, original, 4)
}

func TestFork_Validation(t *testing.T) {
	mem := store.NewMemoryStore()
	e := NewExecutor(mem, runnable.NewRegistry())

	_, err := e.Fork(context.Background(), "sess-1", "sess-1", 2)
	var cfgErr *runnable.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = e.Fork(context.Background(), "empty", "other", 5)
	assert.ErrorIs(t, err, runnable.ErrNotFound)
}
