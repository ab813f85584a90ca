package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

// rawArgumentsKey wraps argument strings that are not valid JSON so one
// malformed call degrades gracefully instead of failing the turn.
const rawArgumentsKey = "__raw_arguments__"

// DefaultToolTimeout bounds a single tool call when the context carries no
// tighter deadline.
const DefaultToolTimeout = 2 * time.Minute

// Executor dispatches tool calls against a fixed tool set. It validates
// arguments against each tool's JSON-Schema, memoises cacheable results per
// session, serializes tools that are not concurrency safe, and honours the
// abort signal at every boundary.
type Executor struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	locks   map[string]*sync.Mutex
	timeout time.Duration
	logger  *slog.Logger

	// cache memoises results of cacheable tools, keyed by
	// (session, tool, canonical args). Read and written from parallel calls.
	cache sync.Map
}

// NewExecutor builds an Executor over the given tools. Invalid schemas are
// rejected up front so a bad tool definition fails at assembly, not mid-run.
func NewExecutor(tools ...Tool) (*Executor, error) {
	e := &Executor{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
		locks:   make(map[string]*sync.Mutex),
		timeout: DefaultToolTimeout,
		logger:  slog.Default().With("component", "tool_executor"),
	}
	for _, t := range tools {
		name := t.Name()
		if _, dup := e.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		schema, err := jsonschema.CompileString(name+".json", string(t.Schema()))
		if err != nil {
			return nil, &runnable.ConfigError{Field: "tool." + name + ".schema", Err: err}
		}
		e.tools[name] = t
		e.schemas[name] = schema
		if !t.ConcurrencySafe() {
			e.locks[name] = &sync.Mutex{}
		}
	}
	return e, nil
}

// Tools returns the specs of every registered tool, for model calls.
func (e *Executor) Tools() []ToolSpecProvider {
	out := make([]ToolSpecProvider, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t)
	}
	return out
}

// ToolSpecProvider is the subset of Tool the model call needs.
type ToolSpecProvider interface {
	Name() string
	Description() string
	Schema() json.RawMessage
}

// Execute runs one tool call. It never returns an error: failures are folded
// into an unsuccessful Result whose Content starts with "Error: ".
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, ec *runnable.ExecutionContext) *Result {
	start := time.Now().UTC()
	name := call.Function.Name

	res := &Result{
		ToolName:   name,
		ToolCallID: call.ID,
		StartTime:  start,
	}
	fail := func(msg string) *Result {
		res.EndTime = time.Now().UTC()
		res.Duration = res.EndTime.Sub(res.StartTime)
		res.Error = msg
		res.Content = "Error: " + msg
		return res
	}

	if err := ec.CheckAbort(); err != nil {
		return e.aborted(res)
	}

	args := parseArguments(call.Function.Arguments)
	res.InputArgs = args

	t, ok := e.tools[name]
	if !ok {
		return fail(fmt.Sprintf("unknown tool %q", name))
	}
	if err := e.schemas[name].Validate(map[string]any(args)); err != nil {
		return fail(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	if t.Cacheable() {
		if hit, ok := e.cache.Load(cacheKey(ec.SessionID, name, args)); ok {
			cached := hit.(*Result)
			copied := *cached
			copied.ToolCallID = call.ID
			copied.StartTime = start
			copied.EndTime = start
			copied.Duration = 0
			return &copied
		}
	}

	execCtx := ctx
	if timeout := ec.EffectiveTimeout(e.timeout); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		if lock := e.locks[name]; lock != nil {
			lock.Lock()
			defer lock.Unlock()
		}
		output, err := t.Execute(execCtx, &Invocation{
			ToolCallID: call.ID,
			Args:       args,
			Context:    ec,
		})
		done <- outcome{output: output, err: err}
	}()

	// A context without a signal never aborts; a nil channel blocks in select,
	// matching CheckAbort's tolerance for a nil Abort.
	var abortCh <-chan struct{}
	if ec.Abort != nil {
		abortCh = ec.Abort.Done()
	}

	select {
	case <-abortCh:
		return e.aborted(res)
	case <-execCtx.Done():
		return fail(fmt.Sprintf("tool %s timed out: %v", name, execCtx.Err()))
	case out := <-done:
		res.EndTime = time.Now().UTC()
		res.Duration = res.EndTime.Sub(res.StartTime)
		if out.err != nil {
			res.Error = out.err.Error()
			res.Content = "Error: " + out.err.Error()
			e.logger.Warn("Tool execution failed",
				"tool", name, "tool_call_id", call.ID, "error", out.err)
			return res
		}
		res.Output = out.output
		res.Content = renderContent(out.output)
		res.IsSuccess = true

		if t.Cacheable() {
			stored := *res
			e.cache.Store(cacheKey(ec.SessionID, name, args), &stored)
		}
		return res
	}
}

// ExecuteBatch fans the calls out concurrently and returns results in input
// order. Individual failures are folded into their Result; the batch itself
// never fails.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []models.ToolCall, ec *runnable.ExecutionContext) []*Result {
	results := make([]*Result, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call, ec)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) aborted(res *Result) *Result {
	res.EndTime = time.Now().UTC()
	res.Duration = res.EndTime.Sub(res.StartTime)
	res.Error = "Aborted"
	res.Content = "Error: Aborted"
	return res
}

// parseArguments decodes the model's raw argument string, falling back to a
// wrapper object when it is not a JSON object.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{rawArgumentsKey: raw}
	}
	return args
}

// cacheKey builds the per-session memo key. Go's JSON encoder sorts map keys,
// which canonicalises equivalent argument maps.
func cacheKey(sessionID, tool string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", args))
	}
	return sessionID + "\x00" + tool + "\x00" + string(canonical)
}

// renderContent turns a tool's raw output into the string fed to the model.
func renderContent(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
