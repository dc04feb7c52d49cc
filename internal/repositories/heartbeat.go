package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// HeartbeatRepository reads and overwrites the single liveness row.
type HeartbeatRepository struct {
	db *sql.DB
}

// NewHeartbeatRepository creates a new [HeartbeatRepository] with the given database connection
func NewHeartbeatRepository(db *sql.DB) *HeartbeatRepository {
	return &HeartbeatRepository{db: db}
}

// Beat records that workerID was alive at t.
func (r *HeartbeatRepository) Beat(ctx context.Context, workerID string, t time.Time) error {
	query := `
		INSERT INTO heartbeat (id, worker_id, beat_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET worker_id = excluded.worker_id, beat_at = excluded.beat_at
	`
	if _, err := r.db.ExecContext(ctx, query, workerID, shared.UnixMilli(t)); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// Get returns the last heartbeat. A worker that never beat yields the zero [models.Heartbeat].
func (r *HeartbeatRepository) Get(ctx context.Context) (models.Heartbeat, error) {
	var (
		hb models.Heartbeat
		ms int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT worker_id, beat_at FROM heartbeat WHERE id = 1`).Scan(&hb.WorkerID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Heartbeat{}, nil
	}
	if err != nil {
		return models.Heartbeat{}, fmt.Errorf("failed to read heartbeat: %w", err)
	}
	hb.BeatAt = shared.FromUnixMilli(ms)
	return hb, nil
}
