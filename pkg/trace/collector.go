package trace

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/wire"
)

// DefaultToolArgsCacheSize bounds the assistant tool-call cache. Entries are
// normally evicted as soon as their tool Step is observed; the bound protects
// against models that request tools which never produce a result Step.
const DefaultToolArgsCacheSize = 256

const previewLimit = 200

// Exporter ships a finished Trace to an external sink.
type Exporter interface {
	ExportTrace(ctx context.Context, t *Trace) error
}

// Collector consumes the event stream of one top-level run and builds its
// Trace. Persistence is incremental (after every run-boundary event) and
// best-effort: store and export failures are logged, never surfaced into the
// stream. Safe for concurrent Observe calls, though a stream has one consumer.
type Collector struct {
	store    TraceStore
	exporter Exporter
	logger   *slog.Logger

	mu       sync.Mutex
	trace    *Trace
	open     map[string]*Span // run_id -> open span
	stages   map[string]*Span // run_id + node_id -> open stage span
	toolArgs *toolArgsCache
	finished bool
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithExporter attaches an OTLP (or other) exporter invoked asynchronously
// when the trace finishes.
func WithExporter(e Exporter) CollectorOption {
	return func(c *Collector) { c.exporter = e }
}

// WithToolArgsCacheSize overrides the bounded tool-call cache size.
func WithToolArgsCacheSize(n int) CollectorOption {
	return func(c *Collector) { c.toolArgs = newToolArgsCache(n) }
}

// NewCollector creates a collector for one trace.
func NewCollector(traceID string, store TraceStore, opts ...CollectorOption) *Collector {
	c := &Collector{
		store:    store,
		logger:   slog.Default().With("component", "trace_collector", "trace_id", traceID),
		trace:    &Trace{ID: traceID, StartTime: time.Now().UTC()},
		open:     make(map[string]*Span),
		stages:   make(map[string]*Span),
		toolArgs: newToolArgsCache(DefaultToolArgsCacheSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trace returns a snapshot of the trace built so far.
func (c *Collector) Trace() *Trace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return snapshotTrace(c.trace)
}

// Tee consumes events from in, updating the trace, and forwards each event
// unchanged. When in closes, the trace is finished, persisted and exported.
func (c *Collector) Tee(ctx context.Context, in <-chan wire.Event) <-chan wire.Event {
	out := make(chan wire.Event)
	go func() {
		defer close(out)
		for ev := range in {
			c.Observe(ctx, ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		c.Finish(ctx)
	}()
	return out
}

// Observe applies one event to the trace.
func (c *Collector) Observe(ctx context.Context, ev wire.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case wire.EventRunStarted:
		c.runStarted(ev)
		c.persistLocked(ctx)
	case wire.EventStepCompleted:
		c.stepCompleted(ev)
	case wire.EventStageStarted:
		c.stageStarted(ev)
	case wire.EventStageCompleted:
		c.stageClosed(ev, SpanOK, stringData(ev, "output"))
	case wire.EventStageSkipped:
		c.stageSkipped(ev)
	case wire.EventRunCompleted:
		c.runClosed(ev, SpanOK, stringData(ev, "response"), "")
		c.persistLocked(ctx)
	case wire.EventRunFailed:
		c.runClosed(ev, SpanError, "", ev.Error)
		c.persistLocked(ctx)
	}
}

// Finish marks the trace complete, persists it and triggers the async export.
func (c *Collector) Finish(ctx context.Context) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.trace.EndTime.IsZero() {
		c.trace.EndTime = time.Now().UTC()
	}
	c.persistLocked(ctx)
	snapshot := snapshotTrace(c.trace)
	exporter := c.exporter
	c.mu.Unlock()

	if exporter == nil {
		return
	}
	go func() {
		exportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := exporter.ExportTrace(exportCtx, snapshot); err != nil {
			c.logger.Warn("Trace export failed", "error", err)
		}
	}()
}

func (c *Collector) runStarted(ev wire.Event) {
	kind := SpanAgent
	if ev.RunnableType == models.RunnableTypeWorkflow {
		kind = SpanWorkflow
	}
	span := &Span{
		ID:        spanID(ev.SpanID),
		TraceID:   c.trace.ID,
		Kind:      kind,
		Name:      ev.RunnableID,
		RunID:     ev.RunID,
		Depth:     ev.Depth,
		Status:    SpanRunning,
		StartTime: ev.Timestamp,
	}
	if parent, ok := c.open[ev.ParentRunID]; ok {
		span.ParentID = parent.ID
	} else if c.trace.RootSpanID != "" {
		span.ParentID = c.trace.RootSpanID
	}
	if ev.NestingType != "" && ev.NestingType != models.NestingNone {
		span.Attributes = map[string]any{"nesting_type": string(ev.NestingType)}
	}
	if c.trace.RootSpanID == "" {
		c.trace.RootSpanID = span.ID
		c.trace.StartTime = ev.Timestamp
		c.trace.SessionID = ev.SessionID
	}
	if ev.Depth > c.trace.MaxDepth {
		c.trace.MaxDepth = ev.Depth
	}
	c.open[ev.RunID] = span
	c.trace.Spans = append(c.trace.Spans, span)
}

func (c *Collector) stepCompleted(ev wire.Event) {
	step := ev.Step
	if step == nil {
		return
	}
	parent, ok := c.open[ev.RunID]
	if !ok {
		return
	}
	switch step.Role {
	case models.RoleAssistant:
		span := &Span{
			ID:        NewSpanID(),
			TraceID:   c.trace.ID,
			ParentID:  parent.ID,
			Kind:      SpanLLMCall,
			Name:      step.Metrics.Model,
			RunID:     ev.RunID,
			Depth:     parent.Depth + 1,
			Status:    SpanOK,
			StartTime: step.CreatedAt,
			EndTime:   step.CreatedAt.Add(time.Duration(step.Metrics.DurationMs) * time.Millisecond),
			Attributes: map[string]any{
				"model":          step.Metrics.Model,
				"provider":       step.Metrics.Provider,
				"input_tokens":   step.Metrics.InputTokens,
				"output_tokens":  step.Metrics.OutputTokens,
				"total_tokens":   step.Metrics.TotalTokens,
				"first_token_ms": step.Metrics.FirstTokenMs,
			},
			OutputPreview: preview(step.Content),
		}
		c.trace.Spans = append(c.trace.Spans, span)
		c.trace.LLMCalls++
		c.trace.InputTokens += step.Metrics.InputTokens
		c.trace.OutputTokens += step.Metrics.OutputTokens
		c.trace.TotalTokens += step.Metrics.TotalTokens
		for _, tc := range step.ToolCalls {
			c.toolArgs.put(tc.ID, cachedToolCall{
				name: tc.Function.Name,
				args: tc.Function.Arguments,
			})
		}

	case models.RoleTool:
		span := &Span{
			ID:        NewSpanID(),
			TraceID:   c.trace.ID,
			ParentID:  parent.ID,
			Kind:      SpanToolCall,
			Name:      step.Name,
			RunID:     ev.RunID,
			Depth:     parent.Depth + 1,
			Status:    SpanOK,
			StartTime: step.CreatedAt,
			EndTime:   step.CreatedAt.Add(time.Duration(step.Metrics.ToolExecMs) * time.Millisecond),
			Attributes: map[string]any{
				"tool_call_id": step.ToolCallID,
			},
			OutputPreview: preview(step.Content),
		}
		if cached, ok := c.toolArgs.pop(step.ToolCallID); ok {
			span.Attributes["input_args"] = cached.args
			if span.Name == "" {
				span.Name = cached.name
			}
		}
		if strings.HasPrefix(step.Content, "Error:") {
			span.Status = SpanError
			span.Error = preview(step.Content)
		}
		c.trace.Spans = append(c.trace.Spans, span)
		c.trace.ToolCalls++
	}
}

func (c *Collector) stageStarted(ev wire.Event) {
	parent, ok := c.open[ev.RunID]
	if !ok {
		return
	}
	span := &Span{
		ID:        NewSpanID(),
		TraceID:   c.trace.ID,
		ParentID:  parent.ID,
		Kind:      SpanStage,
		Name:      ev.NodeID,
		RunID:     ev.RunID,
		Depth:     parent.Depth + 1,
		Status:    SpanRunning,
		StartTime: ev.Timestamp,
	}
	c.stages[stageKey(ev)] = span
	c.trace.Spans = append(c.trace.Spans, span)
}

func (c *Collector) stageClosed(ev wire.Event, status SpanStatus, output string) {
	key := stageKey(ev)
	span, ok := c.stages[key]
	if !ok {
		// Completion without a start: a cached pipeline node. Record it as an
		// instantaneous stage span.
		parent, found := c.open[ev.RunID]
		if !found {
			return
		}
		span = &Span{
			ID:        NewSpanID(),
			TraceID:   c.trace.ID,
			ParentID:  parent.ID,
			Kind:      SpanStage,
			Name:      ev.NodeID,
			RunID:     ev.RunID,
			Depth:     parent.Depth + 1,
			StartTime: ev.Timestamp,
		}
		c.trace.Spans = append(c.trace.Spans, span)
	}
	delete(c.stages, key)
	span.Status = status
	span.EndTime = ev.Timestamp
	span.OutputPreview = preview(output)
}

func (c *Collector) stageSkipped(ev wire.Event) {
	parent, ok := c.open[ev.RunID]
	if !ok {
		return
	}
	c.trace.Spans = append(c.trace.Spans, &Span{
		ID:        NewSpanID(),
		TraceID:   c.trace.ID,
		ParentID:  parent.ID,
		Kind:      SpanStage,
		Name:      ev.NodeID,
		RunID:     ev.RunID,
		Depth:     parent.Depth + 1,
		Status:    SpanOK,
		StartTime: ev.Timestamp,
		EndTime:   ev.Timestamp,
		Attributes: map[string]any{
			"skipped":   true,
			"condition": stringData(ev, "condition"),
		},
	})
}

func (c *Collector) runClosed(ev wire.Event, status SpanStatus, output, errMsg string) {
	span, ok := c.open[ev.RunID]
	if !ok {
		return
	}
	delete(c.open, ev.RunID)
	span.Status = status
	span.EndTime = ev.Timestamp
	span.OutputPreview = preview(output)
	span.Error = errMsg
	if span.ID == c.trace.RootSpanID {
		c.trace.EndTime = ev.Timestamp
	}
}

func (c *Collector) persistLocked(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveTrace(ctx, c.trace); err != nil {
		c.logger.Warn("Failed to persist trace", "error", err)
	}
}

func spanID(fromEvent string) string {
	if fromEvent != "" {
		return fromEvent
	}
	return NewSpanID()
}

func stageKey(ev wire.Event) string {
	return ev.RunID + "\x00" + ev.NodeID
}

func stringData(ev wire.Event, key string) string {
	if ev.Data == nil {
		return ""
	}
	s, _ := ev.Data[key].(string)
	return s
}

func preview(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "..."
}

type cachedToolCall struct {
	name string
	args string
}

// toolArgsCache is a bounded FIFO map from tool_call_id to the arguments the
// assistant requested. pop removes the entry, so the steady state is empty.
type toolArgsCache struct {
	max     int
	entries map[string]cachedToolCall
	fifo    []string
}

func newToolArgsCache(max int) *toolArgsCache {
	if max <= 0 {
		max = DefaultToolArgsCacheSize
	}
	return &toolArgsCache{max: max, entries: make(map[string]cachedToolCall)}
}

func (c *toolArgsCache) put(id string, v cachedToolCall) {
	if _, ok := c.entries[id]; !ok {
		for len(c.entries) >= c.max && len(c.fifo) > 0 {
			oldest := c.fifo[0]
			c.fifo = c.fifo[1:]
			delete(c.entries, oldest)
		}
		c.fifo = append(c.fifo, id)
	}
	c.entries[id] = v
}

func (c *toolArgsCache) pop(id string) (cachedToolCall, bool) {
	v, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return v, ok
}
