// Package store defines the persistence contract for Steps and Runs, the
// atomic sequence allocator, and the buffering step repository. An in-memory
// implementation backs tests and persistence-disabled mode; the production
// implementation lives in store/postgres.
package store

import (
	"context"
	"errors"

	"github.com/runwire/runwire/pkg/models"
)

// ErrNotFound is returned when a session, run or step does not exist.
var ErrNotFound = errors.New("not found")

// StepFilter narrows GetSteps. Zero values mean "no constraint".
type StepFilter struct {
	RunID      string
	RunnableID string
	WorkflowID string
	NodeID     string
	StartSeq   int
	EndSeq     int
	Limit      int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	UserID    string
	SessionID string
	Limit     int
	Offset    int
}

// SessionStore is the durable backend for Steps and Runs. AllocateSequence
// must be atomic across concurrent callers within one session: no duplicates,
// no gaps.
type SessionStore interface {
	SaveStep(ctx context.Context, step *models.Step) error
	SaveStepsBatch(ctx context.Context, steps []*models.Step) error
	GetSteps(ctx context.Context, sessionID string, filter StepFilter) ([]*models.Step, error)
	GetLastStep(ctx context.Context, sessionID string) (*models.Step, error)
	DeleteSteps(ctx context.Context, sessionID string, startSeq int) error
	AllocateSequence(ctx context.Context, sessionID string) (int, error)
	// SyncSequence raises the session counter to at least the given value, so
	// a session seeded with pre-existing sequence numbers (fork) continues
	// allocating past them.
	SyncSequence(ctx context.Context, sessionID string, atLeast int) error

	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
}
