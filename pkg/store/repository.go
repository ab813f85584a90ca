package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/runwire/runwire/pkg/models"
)

// DefaultAutoFlushSize bounds the repository's in-memory batch. Small on
// purpose: agent loops commit one or two Steps per turn and durability is
// required before the completion event is emitted.
const DefaultAutoFlushSize = 2

// StepRepository is a buffering facade over a SessionStore. Save writes
// through immediately; Queue batches until Flush or the auto-flush threshold.
// Not safe for concurrent use: each execution context owns its own repository
// while sharing the underlying store.
type StepRepository struct {
	store         SessionStore
	autoFlushSize int
	buf           []*models.Step
	logger        *slog.Logger
}

// NewStepRepository creates a repository over the given store.
func NewStepRepository(store SessionStore) *StepRepository {
	return &StepRepository{
		store:         store,
		autoFlushSize: DefaultAutoFlushSize,
		logger:        slog.Default().With("component", "step_repository"),
	}
}

// WithAutoFlushSize overrides the batch threshold; size <= 0 disables
// auto-flushing entirely.
func (r *StepRepository) WithAutoFlushSize(size int) *StepRepository {
	r.autoFlushSize = size
	return r
}

// Save persists a single Step immediately, bypassing the buffer.
func (r *StepRepository) Save(ctx context.Context, step *models.Step) error {
	if err := r.store.SaveStep(ctx, step); err != nil {
		return fmt.Errorf("failed to save step %s: %w", step.ID, err)
	}
	return nil
}

// Queue appends a Step to the batch, flushing first if the batch is full.
func (r *StepRepository) Queue(ctx context.Context, step *models.Step) error {
	if r.autoFlushSize > 0 && len(r.buf) >= r.autoFlushSize {
		if err := r.Flush(ctx); err != nil {
			return err
		}
	}
	r.buf = append(r.buf, step)
	return nil
}

// Flush persists all queued Steps. The batch is cleared only on success so a
// retry sees the same Steps.
func (r *StepRepository) Flush(ctx context.Context) error {
	if len(r.buf) == 0 {
		return nil
	}
	if err := r.store.SaveStepsBatch(ctx, r.buf); err != nil {
		return fmt.Errorf("failed to flush %d queued steps: %w", len(r.buf), err)
	}
	r.buf = nil
	return nil
}

// Discard drops all queued Steps without persisting them.
func (r *StepRepository) Discard() {
	if len(r.buf) > 0 {
		r.logger.Debug("Discarding queued steps", "count", len(r.buf))
	}
	r.buf = nil
}

// Pending reports how many Steps are queued but not yet flushed.
func (r *StepRepository) Pending() int {
	return len(r.buf)
}

// Scope runs fn, flushing queued Steps when it succeeds and discarding them
// when it fails. The returned error is fn's error, or the flush error when fn
// succeeded but persistence did not.
func (r *StepRepository) Scope(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		r.Discard()
		return err
	}
	return r.Flush(ctx)
}
