package postgres

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the step store's health payload: reachability, ping latency
// and the pool pressure that concurrent step flushes and sequence allocations
// contend on.
type HealthStatus struct {
	Status string    `json:"status"`
	PingMs int64     `json:"ping_ms"`
	Pool   PoolStats `json:"pool,omitempty"`
}

// PoolStats is a snapshot of the sql.DB connection pool.
type PoolStats struct {
	Open    int   `json:"open"`
	InUse   int   `json:"in_use"`
	Idle    int   `json:"idle"`
	MaxOpen int   `json:"max_open"`
	Waits   int64 `json:"waits"`
	WaitMs  int64 `json:"wait_ms"`
}

// Health pings the database and snapshots the pool. On ping failure the
// returned status is still populated so callers can report latency.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	return Health(ctx, s.db)
}

// Health is the handle-level form for callers that hold the *sql.DB directly.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status: "unhealthy",
			PingMs: time.Since(start).Milliseconds(),
		}, err
	}

	pool := db.Stats()
	return &HealthStatus{
		Status: "healthy",
		PingMs: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:    pool.OpenConnections,
			InUse:   pool.InUse,
			Idle:    pool.Idle,
			MaxOpen: pool.MaxOpenConnections,
			Waits:   pool.WaitCount,
			WaitMs:  pool.WaitDuration.Milliseconds(),
		},
	}, nil
}
