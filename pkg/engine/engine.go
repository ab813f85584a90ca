// Package engine assembles configuration into a runnable registry and owns
// the top-level run lifecycle: it creates the Wire, abort signal and execution
// context for each root run, tees the event stream through the trace
// collector, and closes the Wire once the run's terminal event has been
// emitted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runwire/runwire/pkg/config"
	"github.com/runwire/runwire/pkg/llm"
	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/resume"
	"github.com/runwire/runwire/pkg/runnable"
	"github.com/runwire/runwire/pkg/store"
	"github.com/runwire/runwire/pkg/trace"
	"github.com/runwire/runwire/pkg/wire"
)

// DefaultWireBuffer is the event buffer of a root run's Wire.
const DefaultWireBuffer = 1024

// Engine is the assembled runtime: registry, stores, tracing and the active
// run table. Safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	store    store.SessionStore
	traces   trace.TraceStore
	exporter trace.Exporter
	registry *runnable.Registry
	runner   *runnable.Executor
	resumer  *resume.Executor
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	RunID      string
	SessionID  string
	RunnableID string
	StartedAt  time.Time
	abort      *runnable.AbortSignal
}

// ActiveRun describes one in-flight root run.
type ActiveRun struct {
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	RunnableID string    `json:"runnable_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Option customises engine assembly.
type Option func(*options)

type options struct {
	store     store.SessionStore
	traces    trace.TraceStore
	exporter  trace.Exporter
	clients   map[string]llm.Client
	runnables []runnable.Runnable
}

// WithStore sets the session store. Defaults to an in-memory store.
func WithStore(st store.SessionStore) Option {
	return func(o *options) { o.store = st }
}

// WithTraceStore sets the trace store. Defaults to an in-memory store.
func WithTraceStore(ts trace.TraceStore) Option {
	return func(o *options) { o.traces = ts }
}

// WithExporter sets the trace exporter, overriding config-driven OTLP setup.
func WithExporter(e trace.Exporter) Option {
	return func(o *options) { o.exporter = e }
}

// WithClient overrides the model client for one provider id. Tests use this
// to inject scripted clients.
func WithClient(providerID string, c llm.Client) Option {
	return func(o *options) {
		if o.clients == nil {
			o.clients = make(map[string]llm.Client)
		}
		o.clients[providerID] = c
	}
}

// WithRunnable registers an extra, programmatically constructed runnable
// alongside the config-driven ones.
func WithRunnable(r runnable.Runnable) Option {
	return func(o *options) { o.runnables = append(o.runnables, r) }
}

// New assembles an engine from validated configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.store == nil {
		o.store = store.NewMemoryStore()
	}
	if o.traces == nil {
		o.traces = trace.NewMemoryTraceStore()
	}

	clients := make(map[string]llm.Client, len(cfg.Providers))
	for id, p := range cfg.Providers {
		if c, ok := o.clients[id]; ok {
			clients[id] = c
			continue
		}
		c, err := newProviderClient(p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		clients[id] = c
	}
	for id, c := range o.clients {
		if _, ok := clients[id]; !ok {
			clients[id] = c
		}
	}

	registry, err := buildRegistry(cfg, clients)
	if err != nil {
		return nil, err
	}
	for _, r := range o.runnables {
		if err := registry.Register(r); err != nil {
			return nil, err
		}
	}

	exporter := o.exporter
	if exporter == nil && cfg.Trace.Enabled && cfg.Trace.OTLP != nil {
		otlp, err := trace.NewOTLPExporter(ctx, trace.OTLPConfig{
			Protocol:   cfg.Trace.OTLP.Protocol,
			Endpoint:   cfg.Trace.OTLP.Endpoint,
			Headers:    cfg.Trace.OTLP.Headers,
			Insecure:   cfg.Trace.OTLP.Insecure,
			SampleRate: cfg.Trace.OTLP.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OTLP exporter: %w", err)
		}
		exporter = otlp
	}

	return &Engine{
		cfg:      cfg,
		store:    o.store,
		traces:   o.traces,
		exporter: exporter,
		registry: registry,
		runner:   runnable.NewExecutor(),
		resumer:  resume.NewExecutor(o.store, registry),
		logger:   slog.Default().With("component", "engine"),
		active:   make(map[string]*activeRun),
	}, nil
}

// Store returns the engine's session store.
func (e *Engine) Store() store.SessionStore { return e.store }

// Traces returns the engine's trace store.
func (e *Engine) Traces() trace.TraceStore { return e.traces }

// RunnableIDs lists the registered runnable ids.
func (e *Engine) RunnableIDs() []string { return e.registry.IDs() }

// RunRequest starts a run of a registered runnable.
type RunRequest struct {
	RunnableID string
	Input      string
	SessionID  string // empty starts a fresh session
	UserID     string
	Timeout    time.Duration // zero means the server default, negative means none
}

// RunHandle is a live run: its identity, its event stream and a way to await
// the outcome. Events closes once the run's terminal event has passed through.
type RunHandle struct {
	RunID     string
	SessionID string
	TraceID   string
	Events    <-chan wire.Event

	done chan struct{}
	out  *runnable.RunOutput
	err  error
}

// Wait blocks until the run finishes or ctx expires.
func (h *RunHandle) Wait(ctx context.Context) (*runnable.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.out, h.err
	}
}

// Drain discards the event stream in the background. Callers that only care
// about the final output must drain, or producers stall on a full Wire.
func (h *RunHandle) Drain() {
	go func() {
		for range h.Events {
		}
	}()
}

// StartRun launches a root run. The run is detached from ctx: HTTP callers
// can return while the run continues, and cancellation goes through the abort
// signal instead.
func (e *Engine) StartRun(ctx context.Context, req RunRequest) (*RunHandle, error) {
	r, err := e.registry.Get(req.RunnableID)
	if err != nil {
		return nil, err
	}
	return e.launch(ctx, r.ID(), req.SessionID, req.UserID, req.Timeout, func(runCtx context.Context, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
		ec.RunnableID = r.ID()
		ec.RunnableType = r.Type()
		ec.Lineage = []string{r.ID()}
		return e.runner.Execute(runCtx, r, req.Input, ec)
	})
}

// ResumeRequest continues a persisted session.
type ResumeRequest struct {
	SessionID  string
	RunnableID string // empty infers from the step log
	UserID     string
	Timeout    time.Duration

	// FromSequence, when positive, deletes steps at and after it before
	// resuming (retry semantics).
	FromSequence int
}

// ResumeRun continues a session from its step log.
func (e *Engine) ResumeRun(ctx context.Context, req ResumeRequest) (*RunHandle, error) {
	if req.SessionID == "" {
		return nil, &runnable.ConfigError{Field: "session_id", Err: fmt.Errorf("is required")}
	}
	// Reject unknown sessions up front so callers get a synchronous 404-style
	// failure instead of a background one.
	if _, err := e.store.GetLastStep(ctx, req.SessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %s has no steps: %w", req.SessionID, runnable.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", req.SessionID, err)
	}
	return e.launch(ctx, req.RunnableID, req.SessionID, req.UserID, req.Timeout, func(runCtx context.Context, ec *runnable.ExecutionContext) (*runnable.RunOutput, error) {
		if req.FromSequence > 0 {
			return e.resumer.Retry(runCtx, ec, req.RunnableID, req.FromSequence)
		}
		return e.resumer.Resume(runCtx, ec, req.RunnableID)
	})
}

// Fork copies a session prefix into a new session. No run is started.
func (e *Engine) Fork(ctx context.Context, sessionID, newSessionID string, atSeq int) (int, error) {
	return e.resumer.Fork(ctx, sessionID, newSessionID, atSeq)
}

func (e *Engine) launch(ctx context.Context, runnableID, sessionID, userID string, timeout time.Duration, run func(context.Context, *runnable.ExecutionContext) (*runnable.RunOutput, error)) (*RunHandle, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if timeout == 0 {
		timeout = e.cfg.RunTimeout()
	}

	ec := &runnable.ExecutionContext{
		RunID:     models.NewRunID(),
		SessionID: sessionID,
		UserID:    userID,
		TraceID:   models.NewRunID(),
		SpanID:    models.NewRunID(),
		Metadata:  make(map[string]any),
		Wire:      wire.New(DefaultWireBuffer),
		Abort:     runnable.NewAbortSignal(),
		Store:     e.store,
		Sequences: store.NewSequenceManager(e.store),
	}

	var timer *time.Timer
	if timeout > 0 {
		ec.TimeoutAt = time.Now().Add(timeout)
		abort := ec.Abort
		timer = time.AfterFunc(timeout, func() { abort.Abort("timeout") })
	}

	var colOpts []trace.CollectorOption
	if e.exporter != nil {
		colOpts = append(colOpts, trace.WithExporter(e.exporter))
	}
	collector := trace.NewCollector(ec.TraceID, e.traces, colOpts...)

	// The reader outlives the caller's request: the stream ends when the Wire
	// closes, not when ctx does.
	readCtx := context.WithoutCancel(ctx)
	events := collector.Tee(readCtx, ec.Wire.Read(readCtx))

	h := &RunHandle{
		RunID:     ec.RunID,
		SessionID: ec.SessionID,
		TraceID:   ec.TraceID,
		Events:    events,
		done:      make(chan struct{}),
	}

	e.register(&activeRun{
		RunID:      ec.RunID,
		SessionID:  ec.SessionID,
		RunnableID: runnableID,
		StartedAt:  time.Now().UTC(),
		abort:      ec.Abort,
	})

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(h.done)
		defer e.unregister(ec.RunID)
		defer ec.Wire.Close()
		if timer != nil {
			defer timer.Stop()
		}

		out, err := run(runCtx, ec)
		h.out, h.err = out, err
		if err != nil {
			e.logger.Warn("Run finished with error",
				"run_id", ec.RunID, "session_id", ec.SessionID, "error", err)
		}
	}()

	return h, nil
}

// Cancel raises the abort signal of an active run. Returns false when the run
// is not active.
func (e *Engine) Cancel(runID, reason string) bool {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	ar.abort.Abort(reason)
	e.logger.Info("Run cancelled", "run_id", runID, "reason", reason)
	return true
}

// Active lists in-flight root runs.
func (e *Engine) Active() []ActiveRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ActiveRun, 0, len(e.active))
	for _, ar := range e.active {
		out = append(out, ActiveRun{
			RunID:      ar.RunID,
			SessionID:  ar.SessionID,
			RunnableID: ar.RunnableID,
			StartedAt:  ar.StartedAt,
		})
	}
	return out
}

// Shutdown aborts all active runs and flushes the exporter.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, ar := range e.active {
		ar.abort.Abort("shutdown")
	}
	e.mu.Unlock()

	if shut, ok := e.exporter.(interface{ Shutdown(context.Context) error }); ok {
		return shut.Shutdown(ctx)
	}
	return nil
}

func (e *Engine) register(ar *activeRun) {
	e.mu.Lock()
	e.active[ar.RunID] = ar
	e.mu.Unlock()
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}
