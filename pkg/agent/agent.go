// Package agent implements the LLM-tool loop: an Agent is a Runnable that
// streams model turns, fans requested tool calls out through the tool
// executor, and commits every message as a durable Step before its completion
// event is emitted.
package agent

import (
	"context"
	"errors"

	"github.com/runwire/runwire/pkg/llm"
	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/tool"
)

// DefaultMaxSteps caps loop iterations when config leaves it unset.
const DefaultMaxSteps = 10

const defaultSummaryPrompt = "Provide your best final answer based on the work so far. " +
	"Do not call any tools."

// Config describes one Agent.
type Config struct {
	ID           string
	SystemPrompt string
	Client       llm.Client
	Tools        *tool.Executor
	MaxSteps     int
	MaxTokens    int

	// EnableTerminationSummary adds one tools-disabled model turn when the
	// loop is cut short (step cap, timeout, cancellation) so the run still
	// ends with a meaningful answer.
	EnableTerminationSummary bool
	SummaryPrompt            string
}

// Agent drives the loop. It is stateless across runs; all per-run state lives
// in the executor.
type Agent struct {
	cfg Config
}

var _ runnable.Runnable = (*Agent)(nil)

// New validates config and creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("agent " + cfg.ID + ": model client is required")
	}
	if cfg.Tools == nil {
		cfg.Tools, _ = tool.NewExecutor()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = defaultSummaryPrompt
	}
	return &Agent{cfg: cfg}, nil
}

func (a *Agent) ID() string { return a.cfg.ID }

func (a *Agent) Type() models.RunnableType { return models.RunnableTypeAgent }

// Run starts a fresh loop for the input.
func (a *Agent) Run(ctx context.Context, input string, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
	return a.RunWithOptions(ctx, input, ec, Options{})
}

// Options parameterise a resumed loop.
type Options struct {
	// History seeds the conversation instead of loading nothing; used by
	// resume, which replays persisted Steps. When set, no new user Step is
	// recorded.
	History []models.Message

	// PendingToolCalls are unexecuted calls from a persisted assistant Step;
	// they run before the next model turn.
	PendingToolCalls []models.ToolCall
}

// RunWithOptions runs the loop with resume options.
func (a *Agent) RunWithOptions(ctx context.Context, input string, ec *runnable.ExecutionContext, opts Options) (*runnable.RunOutput, error) {
	ex := newExecutor(a.cfg, ec)
	return ex.run(ctx, input, opts)
}
