package store

import (
	"context"
	"sort"
	"sync"

	"github.com/runwire/runwire/pkg/models"
)

// MemoryStore is an in-process SessionStore. It backs tests and runs with
// persistence disabled. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	steps    map[string][]*models.Step // session_id → steps (unordered)
	runs     map[string]*models.Run
	runOrder []string
	counters map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:    make(map[string][]*models.Step),
		runs:     make(map[string]*models.Run),
		counters: make(map[string]int),
	}
}

func (m *MemoryStore) SaveStep(_ context.Context, step *models.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.SessionID] = append(m.steps[step.SessionID], step.Clone())
	return nil
}

func (m *MemoryStore) SaveStepsBatch(ctx context.Context, steps []*models.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range steps {
		m.steps[s.SessionID] = append(m.steps[s.SessionID], s.Clone())
	}
	return nil
}

func (m *MemoryStore) GetSteps(_ context.Context, sessionID string, f StepFilter) ([]*models.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Step
	for _, s := range m.steps[sessionID] {
		if f.RunID != "" && s.RunID != f.RunID {
			continue
		}
		if f.RunnableID != "" && s.RunnableID != f.RunnableID {
			continue
		}
		if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
			continue
		}
		if f.NodeID != "" && s.NodeID != f.NodeID {
			continue
		}
		if f.StartSeq > 0 && s.Sequence < f.StartSeq {
			continue
		}
		if f.EndSeq > 0 && s.Sequence > f.EndSeq {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetLastStep(ctx context.Context, sessionID string) (*models.Step, error) {
	steps, err := m.GetSteps(ctx, sessionID, StepFilter{})
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, ErrNotFound
	}
	return steps[len(steps)-1], nil
}

func (m *MemoryStore) DeleteSteps(_ context.Context, sessionID string, startSeq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.steps[sessionID][:0]
	for _, s := range m.steps[sessionID] {
		if startSeq > 0 && s.Sequence >= startSeq {
			continue
		}
		if startSeq <= 0 {
			continue // delete everything
		}
		kept = append(kept, s)
	}
	m.steps[sessionID] = kept

	// Rewind the counter so re-dispatched steps continue gap-free.
	if startSeq > 0 && m.counters[sessionID] >= startSeq {
		m.counters[sessionID] = startSeq - 1
	} else if startSeq <= 0 {
		m.counters[sessionID] = 0
	}
	return nil
}

func (m *MemoryStore) AllocateSequence(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[sessionID]++
	return m.counters[sessionID], nil
}

func (m *MemoryStore) SyncSequence(_ context.Context, sessionID string, atLeast int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[sessionID] < atLeast {
		m.counters[sessionID] = atLeast
	}
	return nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *run
	if _, seen := m.runs[run.ID]; !seen {
		m.runOrder = append(m.runOrder, run.ID)
	}
	m.runs[run.ID] = &r
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Run
	for _, id := range m.runOrder {
		r := m.runs[id]
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
