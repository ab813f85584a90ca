// Package trace builds execution traces from the event stream: a Trace is the
// aggregate record of one top-level run, its Spans the tree of nested runs,
// stages, model calls and tool calls. Traces persist incrementally through a
// TraceStore and optionally export to an OTLP endpoint.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/runnable"
)

// SpanKind classifies a Span.
type SpanKind string

const (
	SpanAgent    SpanKind = "AGENT"
	SpanWorkflow SpanKind = "WORKFLOW"
	SpanStage    SpanKind = "STAGE"
	SpanLLMCall  SpanKind = "LLM_CALL"
	SpanToolCall SpanKind = "TOOL_CALL"
)

// SpanStatus is the terminal state of a Span.
type SpanStatus string

const (
	SpanRunning SpanStatus = "RUNNING"
	SpanOK      SpanStatus = "OK"
	SpanError   SpanStatus = "ERROR"
)

// Span is one node of the trace tree.
type Span struct {
	ID       string     `json:"id"`
	TraceID  string     `json:"trace_id"`
	ParentID string     `json:"parent_id,omitempty"`
	Kind     SpanKind   `json:"kind"`
	Name     string     `json:"name"`
	RunID    string     `json:"run_id,omitempty"`
	Depth    int        `json:"depth"`
	Status   SpanStatus `json:"status"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitzero"`

	Attributes    map[string]any `json:"attributes,omitempty"`
	OutputPreview string         `json:"output_preview,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Trace is the aggregate record of one top-level run.
type Trace struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	RootSpanID string    `json:"root_span_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time,omitzero"`

	TotalTokens  int `json:"total_tokens,omitempty"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	LLMCalls     int `json:"llm_calls,omitempty"`
	ToolCalls    int `json:"tool_calls,omitempty"`
	MaxDepth     int `json:"max_depth,omitempty"`

	Spans []*Span `json:"spans"`
}

// Span returns the span with the given id, or nil.
func (t *Trace) Span(id string) *Span {
	for _, s := range t.Spans {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// TraceFilter narrows QueryTraces.
type TraceFilter struct {
	SessionID string
	Limit     int
}

// TraceStore persists traces.
type TraceStore interface {
	SaveTrace(ctx context.Context, t *Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	QueryTraces(ctx context.Context, filter TraceFilter) ([]*Trace, error)
}

// MemoryTraceStore is the in-process TraceStore used by tests and
// persistence-disabled deployments.
type MemoryTraceStore struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string
}

var _ TraceStore = (*MemoryTraceStore)(nil)

// NewMemoryTraceStore creates an empty in-memory trace store.
func NewMemoryTraceStore() *MemoryTraceStore {
	return &MemoryTraceStore{traces: make(map[string]*Trace)}
}

func (m *MemoryTraceStore) SaveTrace(_ context.Context, t *Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.traces[t.ID]; !ok {
		m.order = append(m.order, t.ID)
	}
	m.traces[t.ID] = snapshotTrace(t)
	return nil
}

func (m *MemoryTraceStore) GetTrace(_ context.Context, id string) (*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traces[id]
	if !ok {
		return nil, runnable.ErrNotFound
	}
	return snapshotTrace(t), nil
}

func (m *MemoryTraceStore) QueryTraces(_ context.Context, filter TraceFilter) ([]*Trace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Trace
	// Newest first.
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.traces[m.order[i]]
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		out = append(out, snapshotTrace(t))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func snapshotTrace(t *Trace) *Trace {
	c := *t
	c.Spans = make([]*Span, len(t.Spans))
	for i, s := range t.Spans {
		sc := *s
		if len(s.Attributes) > 0 {
			sc.Attributes = make(map[string]any, len(s.Attributes))
			for k, v := range s.Attributes {
				sc.Attributes[k] = v
			}
		}
		c.Spans[i] = &sc
	}
	return &c
}

// NewSpanID returns a fresh unique span id.
func NewSpanID() string {
	return models.NewRunID()
}
