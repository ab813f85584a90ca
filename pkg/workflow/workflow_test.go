package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/wire"
)

func newWorkflowContext(t *testing.T) *runnable.ExecutionContext {
	t.Helper()
	mem := store.NewMemoryStore()
	return &runnable.ExecutionContext{
		RunID:        models.NewRunID(),
		SessionID:    "sess-1",
		RunnableID:   "wf",
		RunnableType: models.RunnableTypeWorkflow,
		Metadata:     map[string]any{},
		Lineage:      []string{"wf"},
		Wire:         wire.New(1024),
		Abort:        runnable.NewAbortSignal(),
		Store:        mem,
		Sequences:    store.NewSequenceManager(mem),
	}
}

// stepAgent is a minimal Runnable that commits Steps the way a real agent
// would: optional filler Steps, then a terminal assistant Step carrying its
// transformed input as output.
type stepAgent struct {
	id         string
	transform  func(string) string
	extraSteps int
	delay      time.Duration
	err        error

	calls  atomic.Int32
	mu     sync.Mutex
	inputs []string
}

func (a *stepAgent) ID() string                { return a.id }
func (a *stepAgent) Type() models.RunnableType { return models.RunnableTypeAgent }

func (a *stepAgent) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.mu.Unlock()
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.err != nil {
		return nil, a.err
	}

	repo := store.NewStepRepository(ec.Store)
	for range a.extraSteps {
		if err := a.commit(ctx, ec, repo, models.RoleUser, "working"); err != nil {
			return nil, err
		}
	}
	output := input
	if a.transform != nil {
		output = a.transform(input)
	}
	if err := a.commit(ctx, ec, repo, models.RoleAssistant, output); err != nil {
		return nil, err
	}
	return &runnable.RunOutput{Response: output, TerminationReason: models.TerminationNormal}, nil
}

func (a *stepAgent) commit(ctx context.Context, ec *runnable.ExecutionContext, repo *store.StepRepository, role models.Role, content string) error {
	seq, err := ec.AllocateSequence(ctx)
	if err != nil {
		return err
	}
	return repo.Save(ctx, &models.Step{
		ID:         models.NewStepID(),
		SessionID:  ec.SessionID,
		RunID:      ec.RunID,
		Sequence:   seq,
		Role:       role,
		Content:    content,
		RunnableID: ec.RunnableID,
		WorkflowID: ec.WorkflowID,
		NodeID:     ec.NodeID,
		BranchKey:  ec.BranchKey,
		Iteration:  ec.Iteration,
		Depth:      ec.Depth,
		CreatedAt:  time.Now().UTC(),
	})
}

func (a *stepAgent) recordedInputs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.inputs))
	copy(out, a.inputs)
	return out
}

func mustNode(t *testing.T, cfg NodeConfig) Node {
	t.Helper()
	n, err := NewNode(cfg)
	require.NoError(t, err)
	return n
}

func drainEvents(t *testing.T, w *wire.Wire) []wire.Event {
	t.Helper()
	w.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []wire.Event
	for ev := range w.Read(ctx) {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []wire.Event, want wire.EventType) []wire.Event {
	var out []wire.Event
	for _, ev := range events {
		if ev.Type == want {
			out = append(out, ev)
		}
	}
	return out
}

func TestPipeline_ConditionGatesNode(t *testing.T) {
	classify := &stepAgent{id: "classifier", transform: func(in string) string {
		if in == "rust lifetimes" {
			return "tech topic"
		}
		return "smalltalk"
	}}
	respond := &stepAgent{id: "responder", transform: func(in string) string {
		return "Reply about " + in
	}}

	newPipeline := func() *Pipeline {
		p, err := NewPipeline("triage",
			mustNode(t, NodeConfig{ID: "classify", Runnable: classify}),
			mustNode(t, NodeConfig{
				ID:            "respond",
				Runnable:      respond,
				InputTemplate: "{nodes.classify.output}",
				Condition:     "{classify} contains 'tech'",
			}),
		)
		require.NoError(t, err)
		return p
	}

	t.Run("condition true", func(t *testing.T) {
		ec := newWorkflowContext(t)
		out, err := newPipeline().Run(context.Background(), "rust lifetimes", ec)
		require.NoError(t, err)
		assert.Equal(t, "Reply about tech topic", out.Response)
		assert.Equal(t, models.TerminationNormal, out.TerminationReason)
		assert.Equal(t, "triage", out.WorkflowID)
		assert.Empty(t, eventTypes(drainEvents(t, ec.Wire), wire.EventStageSkipped))
	})

	t.Run("condition false", func(t *testing.T) {
		ec := newWorkflowContext(t)
		out, err := newPipeline().Run(context.Background(), "how are you", ec)
		require.NoError(t, err)
		assert.Equal(t, "smalltalk", out.Response, "response falls back to the last executed node")

		skipped := eventTypes(drainEvents(t, ec.Wire), wire.EventStageSkipped)
		require.Len(t, skipped, 1)
		assert.Equal(t, "respond", skipped[0].NodeID)
	})
}

func TestPipeline_IdempotentResume(t *testing.T) {
	first := &stepAgent{id: "a1", transform: func(string) string { return "one" }}
	second := &stepAgent{id: "a2", transform: func(in string) string { return in + " two" }}
	p, err := NewPipeline("pipe",
		mustNode(t, NodeConfig{ID: "n1", Runnable: first}),
		mustNode(t, NodeConfig{ID: "n2", Runnable: second, InputTemplate: "{nodes.n1.output}"}),
	)
	require.NoError(t, err)

	ec := newWorkflowContext(t)
	out1, err := p.Run(context.Background(), "q", ec)
	require.NoError(t, err)
	assert.Equal(t, "one two", out1.Response)
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())

	// Same session and workflow id: cached node outputs, zero new child runs.
	again := newWorkflowContext(t)
	again.SessionID = ec.SessionID
	again.Store = ec.Store
	again.Sequences = ec.Sequences
	out2, err := p.Run(context.Background(), "q", again)
	require.NoError(t, err)
	assert.Equal(t, out1.Response, out2.Response)
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(1), second.calls.Load())
}

func TestPipeline_NodeErrorFailsRun(t *testing.T) {
	bad := &stepAgent{id: "bad", err: errors.New("boom")}
	p, err := NewPipeline("pipe", mustNode(t, NodeConfig{ID: "n1", Runnable: bad}))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), "q", newWorkflowContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "n1"`)
}

func TestLoop_ConditionAndCap(t *testing.T) {
	t.Run("condition false stops after one iteration", func(t *testing.T) {
		worker := &stepAgent{id: "w"}
		l, err := NewLoop(LoopConfig{
			ID:            "loop",
			Condition:     "false",
			MaxIterations: 3,
			Nodes:         []Node{mustNode(t, NodeConfig{ID: "work", Runnable: worker})},
		})
		require.NoError(t, err)

		_, err = l.Run(context.Background(), "q", newWorkflowContext(t))
		require.NoError(t, err)
		assert.Equal(t, int32(1), worker.calls.Load())
	})

	t.Run("cap bounds a true condition", func(t *testing.T) {
		worker := &stepAgent{id: "w", transform: func(in string) string { return in + "+" }}
		l, err := NewLoop(LoopConfig{
			ID:            "loop",
			Condition:     "true",
			MaxIterations: 2,
			Nodes:         []Node{mustNode(t, NodeConfig{ID: "work", Runnable: worker})},
		})
		require.NoError(t, err)

		ec := newWorkflowContext(t)
		_, err = l.Run(context.Background(), "q", ec)
		require.NoError(t, err)
		assert.Equal(t, int32(2), worker.calls.Load())

		steps, err := ec.Store.GetSteps(context.Background(), ec.SessionID, store.StepFilter{})
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Iteration)
		assert.Equal(t, 2, steps[1].Iteration)
	})
}

func TestLoop_LastSnapshotFeedsNextIteration(t *testing.T) {
	worker := &stepAgent{id: "w", transform: func(in string) string { return in + "!" }}
	l, err := NewLoop(LoopConfig{
		ID:            "loop",
		Condition:     "true",
		MaxIterations: 2,
		Nodes: []Node{mustNode(t, NodeConfig{
			ID:            "work",
			Runnable:      worker,
			InputTemplate: "{input}|{loop.last.work}",
		})},
	})
	require.NoError(t, err)

	_, err = l.Run(context.Background(), "q", newWorkflowContext(t))
	require.NoError(t, err)

	inputs := worker.recordedInputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "q|", inputs[0], "first iteration has no previous output")
	assert.Equal(t, "q|q|!", inputs[1], "second iteration sees the first's output")
}

func TestParallel_MergeTemplate(t *testing.T) {
	en := &stepAgent{id: "agent-en", transform: func(in string) string { return "Hello " + in }}
	de := &stepAgent{id: "agent-de", transform: func(in string) string { return "Hallo " + in }}
	p, err := NewParallel(ParallelConfig{
		ID:            "translate",
		MergeTemplate: "EN:{en}\nDE:{de}",
		Branches: []Node{
			mustNode(t, NodeConfig{ID: "en", Runnable: en}),
			mustNode(t, NodeConfig{ID: "de", Runnable: de}),
		},
	})
	require.NoError(t, err)

	ec := newWorkflowContext(t)
	out, err := p.Run(context.Background(), "world", ec)
	require.NoError(t, err)
	assert.Equal(t, "EN:Hello world\nDE:Hallo world", out.Response)

	events := drainEvents(t, ec.Wire)
	assert.Len(t, eventTypes(events, wire.EventBranchStarted), 2)
	assert.Len(t, eventTypes(events, wire.EventBranchCompleted), 2)
}

func TestParallel_DefaultMergeConcatenates(t *testing.T) {
	p, err := NewParallel(ParallelConfig{
		ID: "fanout",
		Branches: []Node{
			mustNode(t, NodeConfig{ID: "b1", Runnable: &stepAgent{id: "a1", transform: func(string) string { return "one" }}}),
			mustNode(t, NodeConfig{ID: "b2", Runnable: &stepAgent{id: "a2", transform: func(string) string { return "two" }}}),
		},
	})
	require.NoError(t, err)

	out, err := p.Run(context.Background(), "q", newWorkflowContext(t))
	require.NoError(t, err)
	assert.Equal(t, "[b1]:\none\n\n[b2]:\ntwo", out.Response)
}

func TestParallel_SequencePreAllocation(t *testing.T) {
	// Each branch commits two Steps; the slow branch still owns the earlier
	// first sequence because seeds are handed out in declaration order.
	slow := &stepAgent{id: "a-slow", extraSteps: 1, delay: 30 * time.Millisecond}
	fast := &stepAgent{id: "a-fast", extraSteps: 1}
	p, err := NewParallel(ParallelConfig{
		ID: "par",
		Branches: []Node{
			mustNode(t, NodeConfig{ID: "slow", Runnable: slow}),
			mustNode(t, NodeConfig{ID: "fast", Runnable: fast}),
		},
	})
	require.NoError(t, err)

	ec := newWorkflowContext(t)
	_, err = p.Run(context.Background(), "q", ec)
	require.NoError(t, err)

	steps, err := ec.Store.GetSteps(context.Background(), ec.SessionID, store.StepFilter{})
	require.NoError(t, err)
	require.Len(t, steps, 4)

	firstSeq := map[string]int{}
	seen := map[int]bool{}
	for _, s := range steps {
		require.False(t, seen[s.Sequence], "duplicate sequence %d", s.Sequence)
		seen[s.Sequence] = true
		if cur, ok := firstSeq[s.BranchKey]; !ok || s.Sequence < cur {
			firstSeq[s.BranchKey] = s.Sequence
		}
	}
	assert.Equal(t, 1, firstSeq["slow"], "first branch owns the first pre-allocated sequence")
	assert.Equal(t, 2, firstSeq["fast"])
	for seq := 1; seq <= 4; seq++ {
		assert.True(t, seen[seq], "sequence %d missing, allocation left a gap", seq)
	}
}

func TestParallel_FailureAwaitsAllBranches(t *testing.T) {
	failing := &stepAgent{id: "a-bad", err: errors.New("branch exploded")}
	slow := &stepAgent{id: "a-slow", delay: 30 * time.Millisecond}
	p, err := NewParallel(ParallelConfig{
		ID: "par",
		Branches: []Node{
			mustNode(t, NodeConfig{ID: "bad", Runnable: failing}),
			mustNode(t, NodeConfig{ID: "ok", Runnable: slow}),
		},
	})
	require.NoError(t, err)

	ec := newWorkflowContext(t)
	_, err = p.Run(context.Background(), "q", ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `branch "bad"`)
	assert.Equal(t, int32(1), slow.calls.Load(), "surviving branch still ran to completion")

	completed := eventTypes(drainEvents(t, ec.Wire), wire.EventBranchCompleted)
	assert.Len(t, completed, 2, "every branch reports completion before the run fails")
}

func TestParallel_RejectsConditionalBranches(t *testing.T) {
	_, err := NewParallel(ParallelConfig{
		ID: "par",
		Branches: []Node{
			mustNode(t, NodeConfig{ID: "b1", Runnable: &stepAgent{id: "a1"}, Condition: "true"}),
		},
	})
	require.Error(t, err)
	var cfgErr *runnable.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewNode_Validation(t *testing.T) {
	_, err := NewNode(NodeConfig{Runnable: &stepAgent{id: "a"}})
	assert.Error(t, err)

	_, err = NewNode(NodeConfig{ID: "n"})
	assert.Error(t, err)

	_, err = NewNode(NodeConfig{ID: "n", Runnable: &stepAgent{id: "a"}, InputTemplate: "{bad template"})
	assert.Error(t, err)

	_, err = NewNode(NodeConfig{ID: "n", Runnable: &stepAgent{id: "a"}, Condition: "not ("})
	assert.Error(t, err)

	n, err := NewNode(NodeConfig{ID: "n", Runnable: &stepAgent{id: "a"}, InputTemplate: "{nodes.x.output}"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, n.Dependencies())
}
