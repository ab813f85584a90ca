package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/runwire/runwire/pkg/models"
	"github.com/runwire/runwire/pkg/store"
)

// Store is the PostgreSQL-backed SessionStore.
type Store struct {
	db *sql.DB
}

var _ store.SessionStore = (*Store)(nil)

// NewStore wraps an already-opened (and migrated) database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

const stepColumns = `id, session_id, run_id, sequence, role, content, reasoning_content,
tool_calls, tool_call_id, name, runnable_id, runnable_type, workflow_id, node_id,
branch_key, iteration, parent_run_id, parent_span_id, depth, metrics, created_at`

func (s *Store) SaveStep(ctx context.Context, step *models.Step) error {
	return s.insertSteps(ctx, s.db, step)
}

func (s *Store) SaveStepsBatch(ctx context.Context, steps []*models.Step) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertSteps(ctx, tx, steps...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertSteps(ctx context.Context, ex execer, steps ...*models.Step) error {
	const q = `INSERT INTO steps (` + stepColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

	for _, step := range steps {
		var toolCalls any
		if len(step.ToolCalls) > 0 {
			b, err := json.Marshal(step.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls for step %s: %w", step.ID, err)
			}
			toolCalls = b
		}
		metrics, err := json.Marshal(step.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics for step %s: %w", step.ID, err)
		}

		_, err = ex.ExecContext(ctx, q,
			step.ID, step.SessionID, step.RunID, step.Sequence, step.Role,
			step.Content, step.ReasoningContent, toolCalls, step.ToolCallID, step.Name,
			step.RunnableID, step.RunnableType, step.WorkflowID, step.NodeID,
			step.BranchKey, step.Iteration, step.ParentRunID, step.ParentSpanID,
			step.Depth, metrics, step.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", step.ID, err)
		}
	}
	return nil
}

func (s *Store) GetSteps(ctx context.Context, sessionID string, f store.StepFilter) ([]*models.Step, error) {
	var (
		conds = []string{"session_id = $1"}
		args  = []any{sessionID}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.RunnableID != "" {
		add("runnable_id = $%d", f.RunnableID)
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.NodeID != "" {
		add("node_id = $%d", f.NodeID)
	}
	if f.StartSeq > 0 {
		add("sequence >= $%d", f.StartSeq)
	}
	if f.EndSeq > 0 {
		add("sequence <= $%d", f.EndSeq)
	}

	q := "SELECT " + stepColumns + " FROM steps WHERE " + strings.Join(conds, " AND ") + " ORDER BY sequence"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return steps, nil
}

func (s *Store) GetLastStep(ctx context.Context, sessionID string) (*models.Step, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stepColumns+" FROM steps WHERE session_id = $1 ORDER BY sequence DESC LIMIT 1",
		sessionID,
	)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return step, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*models.Step, error) {
	var (
		step      models.Step
		toolCalls []byte
		metrics   []byte
	)
	err := row.Scan(
		&step.ID, &step.SessionID, &step.RunID, &step.Sequence, &step.Role,
		&step.Content, &step.ReasoningContent, &toolCalls, &step.ToolCallID, &step.Name,
		&step.RunnableID, &step.RunnableType, &step.WorkflowID, &step.NodeID,
		&step.BranchKey, &step.Iteration, &step.ParentRunID, &step.ParentSpanID,
		&step.Depth, &metrics, &step.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &step.ToolCalls); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool calls for step %s: %w", step.ID, err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &step.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics for step %s: %w", step.ID, err)
		}
	}
	return &step, nil
}

// DeleteSteps removes all Steps with sequence >= startSeq and rewinds the
// session counter so re-dispatched work continues gap-free. startSeq <= 0
// deletes everything in the session.
func (s *Store) DeleteSteps(ctx context.Context, sessionID string, startSeq int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if startSeq > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM steps WHERE session_id = $1 AND sequence >= $2", sessionID, startSeq); err != nil {
			return fmt.Errorf("failed to delete steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sequence_counters SET value = $2 WHERE session_id = $1 AND value >= $2",
			sessionID, startSeq-1); err != nil {
			return fmt.Errorf("failed to rewind sequence counter: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM steps WHERE session_id = $1", sessionID); err != nil {
			return fmt.Errorf("failed to delete steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sequence_counters SET value = 0 WHERE session_id = $1", sessionID); err != nil {
			return fmt.Errorf("failed to reset sequence counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step deletion: %w", err)
	}
	return nil
}

// AllocateSequence atomically increments the session counter. The upsert with
// RETURNING makes concurrent allocations within one session serialize on the
// counter row, yielding a gap-free monotonic series.
func (s *Store) AllocateSequence(ctx context.Context, sessionID string) (int, error) {
	var seq int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO sequence_counters (session_id, value) VALUES ($1, 1)
ON CONFLICT (session_id) DO UPDATE SET value = sequence_counters.value + 1
RETURNING value`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence for session %s: %w", sessionID, err)
	}
	return seq, nil
}

// SyncSequence raises the session counter to at least the given value. Fork
// needs this after copying Steps that carry pre-existing sequence numbers.
func (s *Store) SyncSequence(ctx context.Context, sessionID string, atLeast int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sequence_counters (session_id, value) VALUES ($1, $2)
ON CONFLICT (session_id) DO UPDATE SET value = GREATEST(sequence_counters.value, EXCLUDED.value)`,
		sessionID, atLeast)
	if err != nil {
		return fmt.Errorf("failed to sync sequence for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run *models.Run) error {
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics for run %s: %w", run.ID, err)
	}
	var completedAt any
	if !run.CompletedAt.IsZero() {
		completedAt = run.CompletedAt
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, runnable_id, runnable_type, session_id, user_id, input_query,
	status, metrics, workflow_id, parent_run_id, error, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	metrics = EXCLUDED.metrics,
	error = EXCLUDED.error,
	completed_at = EXCLUDED.completed_at`,
		run.ID, run.RunnableID, run.RunnableType, run.SessionID, run.UserID,
		run.InputQuery, run.Status, metrics, run.WorkflowID, run.ParentRunID,
		run.Error, run.StartedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, runnable_id, runnable_type, session_id, user_id, input_query,
	status, metrics, workflow_id, parent_run_id, error, started_at, completed_at
FROM runs WHERE id = $1`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]*models.Run, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		conds = append(conds, fmt.Sprintf("session_id = $%d", len(args)))
	}

	q := `SELECT id, runnable_id, runnable_type, session_id, user_id, input_query,
	status, metrics, workflow_id, parent_run_id, error, started_at, completed_at
FROM runs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run         models.Run
		metrics     []byte
		completedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.RunnableID, &run.RunnableType, &run.SessionID, &run.UserID,
		&run.InputQuery, &run.Status, &metrics, &run.WorkflowID, &run.ParentRunID,
		&run.Error, &run.StartedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &run.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics for run %s: %w", run.ID, err)
		}
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time.UTC()
	}
	run.StartedAt = run.StartedAt.UTC()
	return &run, nil
}
