package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/runwire/runwire/pkg/llm"
	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/wire"
)

// executor holds the per-run state of one loop invocation.
type executor struct {
	cfg     Config
	ec      *runnable.ExecutionContext
	events  *runnable.EventFactory
	repo    *store.StepRepository
	conv    *models.Conversation
	metrics models.RunMetrics
	logger  *slog.Logger
}

func newExecutor(cfg Config, ec *runnable.ExecutionContext) *executor {
	return &executor{
		cfg:    cfg,
		ec:     ec,
		events: runnable.NewEventFactory(ec),
		repo:   store.NewStepRepository(ec.Store),
		logger: slog.Default().With("component", "agent", "agent_id", cfg.ID, "run_id", ec.RunID),
	}
}

func (x *executor) run(ctx context.Context, input string, opts Options) (*runnable.RunOutput, error) {
	x.metrics.Model = x.cfg.Client.Model()
	x.metrics.Provider = x.cfg.Client.Provider()

	x.conv = models.NewConversation(x.cfg.SystemPrompt, opts.History, input)
	if len(opts.History) == 0 && input != "" {
		if err := x.recordUserStep(ctx, input); err != nil {
			return nil, err
		}
	}

	pending := opts.PendingToolCalls
	lastContent := ""

	for stepCount := 0; stepCount < x.cfg.MaxSteps; {
		if err := x.ec.CheckAbort(); err != nil {
			return x.finishCancelled(ctx, err)
		}
		stepCount++

		if len(pending) > 0 {
			if err := x.executeTools(ctx, pending); err != nil {
				return nil, err
			}
			pending = nil
			continue
		}

		step, err := x.assistantTurn(ctx, x.toolSpecs(), false)
		if err != nil {
			if errors.Is(err, runnable.ErrCancelled) {
				return x.finishCancelled(ctx, err)
			}
			return nil, err
		}
		lastContent = step.Content

		if !step.HasToolCalls() {
			return x.output(step.Content, models.TerminationNormal), nil
		}
		if err := x.executeTools(ctx, step.ToolCalls); err != nil {
			return nil, err
		}
	}

	// Step cap reached while tool calls were still flowing.
	if x.cfg.EnableTerminationSummary {
		return x.summaryTurn(ctx, models.TerminationMaxSteps)
	}
	return x.output(lastContent, models.TerminationMaxSteps), nil
}

// finishCancelled handles abort and deadline expiry. With summaries enabled
// the model gets one tools-disabled turn to produce a partial answer; the run
// then completes with the cancellation recorded as its termination reason.
func (x *executor) finishCancelled(ctx context.Context, cause error) (*runnable.RunOutput, error) {
	reason := models.TerminationCancelled
	if x.ec.Abort != nil && x.ec.Abort.Reason() == "timeout" {
		reason = models.TerminationTimeout
	}
	if !x.cfg.EnableTerminationSummary {
		return nil, cause
	}
	out, err := x.summaryTurn(ctx, reason)
	if err != nil {
		x.logger.Warn("Termination summary failed", "error", err)
		return nil, cause
	}
	return out, nil
}

// summaryTurn runs one tools-disabled model turn and returns its content as
// the final response. It ignores the abort signal: it is the orderly
// conclusion of an already-cut-short run.
func (x *executor) summaryTurn(ctx context.Context, reason string) (*runnable.RunOutput, error) {
	x.conv.AppendUser(x.cfg.SummaryPrompt)
	step, err := x.assistantTurn(ctx, nil, true)
	if err != nil {
		return nil, err
	}
	return x.output(step.Content, reason), nil
}

func (x *executor) output(response, reason string) *runnable.RunOutput {
	return &runnable.RunOutput{
		Response:          response,
		Metrics:           x.metrics,
		TerminationReason: reason,
		WorkflowID:        x.ec.WorkflowID,
	}
}

func (x *executor) recordUserStep(ctx context.Context, input string) error {
	seq, err := x.ec.AllocateSequence(ctx)
	if err != nil {
		return err
	}
	step := x.newStep(seq, models.RoleUser)
	step.Content = input
	return x.commit(ctx, step)
}

// assistantTurn streams one model turn, emitting a STEP_DELTA per chunk and
// committing the finalised assistant Step before its STEP_COMPLETED.
func (x *executor) assistantTurn(ctx context.Context, specs []llm.ToolSpec, ignoreAbort bool) (*models.Step, error) {
	seq, err := x.ec.AllocateSequence(ctx)
	if err != nil {
		return nil, err
	}
	stepID := models.NewStepID()
	start := time.Now()

	// The stream runs under the effective deadline, and the abort signal is
	// watched while waiting for chunks: a provider stream that goes silent
	// cannot outlive a raised signal or the run timeout.
	streamCtx := ctx
	if !ignoreAbort {
		var cancel context.CancelFunc
		if d := x.ec.EffectiveTimeout(0); d > 0 {
			streamCtx, cancel = context.WithTimeout(ctx, d)
		} else {
			streamCtx, cancel = context.WithCancel(ctx)
		}
		defer cancel()
	}

	chunks, err := x.cfg.Client.Stream(streamCtx, &llm.Request{
		Messages:  x.conv.Messages(),
		Tools:     specs,
		MaxTokens: x.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var abortCh <-chan struct{}
	if !ignoreAbort && x.ec.Abort != nil {
		abortCh = x.ec.Abort.Done()
	}

	var content, reasoning strings.Builder
	acc := newToolCallAccumulator()
	var usage llm.Usage
	var firstToken time.Duration

stream:
	for {
		var chunk llm.Chunk
		select {
		case <-abortCh:
			return nil, x.ec.Abort.Err()
		case <-streamCtx.Done():
			if err := x.ec.CheckAbort(); err != nil {
				return nil, err
			}
			return nil, streamCtx.Err()
		case c, ok := <-chunks:
			if !ok {
				break stream
			}
			chunk = c
		}
		if !ignoreAbort {
			if err := x.ec.CheckAbort(); err != nil {
				return nil, err
			}
		}
		switch c := chunk.(type) {
		case llm.TextChunk:
			if firstToken == 0 {
				firstToken = time.Since(start)
			}
			content.WriteString(c.Text)
			x.events.StepDelta(ctx, stepID, wire.Delta{Content: c.Text})

		case llm.ReasoningChunk:
			if firstToken == 0 {
				firstToken = time.Since(start)
			}
			reasoning.WriteString(c.Text)
			x.events.StepDelta(ctx, stepID, wire.Delta{ReasoningContent: c.Text})

		case llm.ToolCallChunk:
			acc.add(c)
			x.events.StepDelta(ctx, stepID, wire.Delta{ToolCalls: []wire.ToolCallFragment{{
				Index:     c.Index,
				ID:        c.ID,
				Type:      c.Type,
				Name:      c.Name,
				Arguments: c.ArgumentsDelta,
			}}})

		case llm.UsageChunk:
			usage = c.Usage

		case llm.FinishChunk:
			// Informational; termination is derived from the final step shape.

		case llm.ErrorChunk:
			return nil, c.Err
		}
	}

	step := x.newStep(seq, models.RoleAssistant)
	step.ID = stepID
	step.Content = content.String()
	step.ReasoningContent = reasoning.String()
	step.ToolCalls = acc.finalize()
	step.Metrics = models.StepMetrics{
		DurationMs:          time.Since(start).Milliseconds(),
		FirstTokenMs:        firstToken.Milliseconds(),
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		TotalTokens:         usage.TotalTokens,
		CachedTokens:        usage.CachedTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		Model:               x.cfg.Client.Model(),
		Provider:            x.cfg.Client.Provider(),
	}
	if err := x.commit(ctx, step); err != nil {
		return nil, err
	}

	x.conv.AppendAssistant(step.Content, step.ReasoningContent, step.ToolCalls)
	x.metrics.Add(models.RunMetrics{
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		TotalTokens:         usage.TotalTokens,
		CachedTokens:        usage.CachedTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		LLMCalls:            1,
	})
	return step, nil
}

// executeTools fans one batch out and feeds exactly one tool Step per call
// back into the conversation, in the order the model emitted the calls. All
// Steps of the batch are flushed before any completion event is emitted.
func (x *executor) executeTools(ctx context.Context, calls []models.ToolCall) error {
	results := x.cfg.Tools.ExecuteBatch(ctx, calls, x.ec)

	steps := make([]*models.Step, len(results))
	for i, res := range results {
		seq, err := x.ec.AllocateSequence(ctx)
		if err != nil {
			return err
		}
		step := x.newStep(seq, models.RoleTool)
		step.Content = res.Content
		step.ToolCallID = res.ToolCallID
		step.Name = res.ToolName
		step.Metrics = models.StepMetrics{ToolExecMs: res.Duration.Milliseconds()}
		if err := x.repo.Queue(ctx, step); err != nil {
			return err
		}
		steps[i] = step

		x.metrics.ToolCalls++
		x.metrics.ToolExecMs += res.Duration.Milliseconds()
	}
	if err := x.repo.Flush(ctx); err != nil {
		return fmt.Errorf("failed to persist tool steps: %w", err)
	}
	for i, step := range steps {
		x.events.StepCompleted(ctx, step)
		x.conv.AppendToolResult(step.ToolCallID, step.Name, results[i].Content)
	}
	return nil
}

// commit makes a Step durable, then emits its STEP_COMPLETED. Emission after
// flush is what lets consumers treat the event as a durability receipt.
func (x *executor) commit(ctx context.Context, step *models.Step) error {
	if err := x.repo.Save(ctx, step); err != nil {
		return err
	}
	x.events.StepCompleted(ctx, step)
	return nil
}

func (x *executor) newStep(seq int, role models.Role) *models.Step {
	return &models.Step{
		ID:           models.NewStepID(),
		SessionID:    x.ec.SessionID,
		RunID:        x.ec.RunID,
		Sequence:     seq,
		Role:         role,
		RunnableID:   x.ec.RunnableID,
		RunnableType: x.ec.RunnableType,
		WorkflowID:   x.ec.WorkflowID,
		NodeID:       x.ec.NodeID,
		BranchKey:    x.ec.BranchKey,
		Iteration:    x.ec.Iteration,
		ParentRunID:  x.ec.ParentRunID,
		ParentSpanID: x.ec.ParentSpanID,
		Depth:        x.ec.Depth,
		CreatedAt:    time.Now().UTC(),
	}
}

func (x *executor) toolSpecs() []llm.ToolSpec {
	providers := x.cfg.Tools.Tools()
	if len(providers) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, 0, len(providers))
	for _, p := range providers {
		specs = append(specs, llm.ToolSpec{
			Name:        p.Name(),
			Description: p.Description(),
			Schema:      p.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// toolCallAccumulator merges streamed tool-call fragments by provider index.
type toolCallAccumulator struct {
	order  []int
	builds map[int]*toolCallBuild
}

type toolCallBuild struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{builds: make(map[int]*toolCallBuild)}
}

func (a *toolCallAccumulator) add(c llm.ToolCallChunk) {
	b, ok := a.builds[c.Index]
	if !ok {
		b = &toolCallBuild{}
		a.builds[c.Index] = b
		a.order = append(a.order, c.Index)
	}
	if c.ID != "" {
		b.id = c.ID
	}
	if c.Type != "" {
		b.typ = c.Type
	}
	if c.Name != "" {
		b.name = c.Name
	}
	b.args.WriteString(c.ArgumentsDelta)
}

// finalize returns the accumulated calls in emission order. Entries whose id
// never arrived are dropped: they are stray fragments, not callable.
func (a *toolCallAccumulator) finalize() []models.ToolCall {
	sort.Ints(a.order)
	var calls []models.ToolCall
	for _, idx := range a.order {
		b := a.builds[idx]
		if b.id == "" {
			continue
		}
		typ := b.typ
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, models.ToolCall{
			ID:   b.id,
			Type: typ,
			Function: models.FunctionCall{
				Name:      b.name,
				Arguments: b.args.String(),
			},
		})
	}
	return calls
}
