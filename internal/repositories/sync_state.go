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

const syncStateColumns = `user_id, resource, status, cursor_offset, cursor_limit, cursor_id, last_success_at,
	retry_after_at, failure_count, last_error_code, updated_at`

// SyncStateRepository records advisory progress and health per (user, resource).
//
// Rows are created lazily on the first transition. Every transition is a single upsert.
type SyncStateRepository struct {
	db  *sql.DB
	now Clock
}

// NewSyncStateRepository creates a new [SyncStateRepository] with the given database connection
func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db, now: utcNow}
}

// SetClock overrides the clock used for updated_at and last_success_at.
func (r *SyncStateRepository) SetClock(c Clock) { r.now = c }

// MarkQueued records that a job for the resource is waiting.
func (r *SyncStateRepository) MarkQueued(ctx context.Context, userID, resource string) error {
	query := `
		INSERT INTO sync_state (user_id, resource, status, updated_at) VALUES (?, ?, 'queued', ?)
		ON CONFLICT(user_id, resource) DO UPDATE SET status = 'queued', updated_at = excluded.updated_at
	`
	return r.exec(ctx, "queued", query, userID, resource, shared.UnixMilli(r.now()))
}

// MarkRunning records that a worker started on the resource.
func (r *SyncStateRepository) MarkRunning(ctx context.Context, userID, resource string) error {
	query := `
		INSERT INTO sync_state (user_id, resource, status, updated_at) VALUES (?, ?, 'running', ?)
		ON CONFLICT(user_id, resource) DO UPDATE SET status = 'running', updated_at = excluded.updated_at
	`
	return r.exec(ctx, "running", query, userID, resource, shared.UnixMilli(r.now()))
}

// MarkProgress stores the resumption cursor without changing the status.
func (r *SyncStateRepository) MarkProgress(ctx context.Context, userID, resource string, c models.Cursor) error {
	query := `
		INSERT INTO sync_state (user_id, resource, status, cursor_offset, cursor_limit, cursor_id, updated_at)
		VALUES (?, ?, 'running', ?, ?, ?, ?)
		ON CONFLICT(user_id, resource) DO UPDATE SET
			cursor_offset = excluded.cursor_offset,
			cursor_limit = excluded.cursor_limit,
			cursor_id = excluded.cursor_id,
			updated_at = excluded.updated_at
	`
	return r.exec(ctx, "progress", query, userID, resource, c.Offset, c.Limit, c.ID, shared.UnixMilli(r.now()))
}

// MarkIdle records a successful completion: the failure count and error code reset and last_success_at advances.
func (r *SyncStateRepository) MarkIdle(ctx context.Context, userID, resource string, c models.Cursor) error {
	now := shared.UnixMilli(r.now())
	query := `
		INSERT INTO sync_state (user_id, resource, status, cursor_offset, cursor_limit, cursor_id, last_success_at,
			retry_after_at, failure_count, last_error_code, updated_at)
		VALUES (?, ?, 'idle', ?, ?, ?, ?, 0, 0, '', ?)
		ON CONFLICT(user_id, resource) DO UPDATE SET
			status = 'idle',
			cursor_offset = excluded.cursor_offset,
			cursor_limit = excluded.cursor_limit,
			cursor_id = excluded.cursor_id,
			last_success_at = excluded.last_success_at,
			retry_after_at = 0,
			failure_count = 0,
			last_error_code = '',
			updated_at = excluded.updated_at
	`
	return r.exec(ctx, "idle", query, userID, resource, c.Offset, c.Limit, c.ID, now, now)
}

// MarkBackoff records a deferral until retryAt. A retryAt not in the future is clamped to one second from now.
func (r *SyncStateRepository) MarkBackoff(ctx context.Context, userID, resource string, retryAt time.Time, code string) error {
	now := r.now()
	if !retryAt.After(now) {
		retryAt = now.Add(time.Second)
	}

	query := `
		INSERT INTO sync_state (user_id, resource, status, retry_after_at, failure_count, last_error_code, updated_at)
		VALUES (?, ?, 'backoff', ?, 1, ?, ?)
		ON CONFLICT(user_id, resource) DO UPDATE SET
			status = 'backoff',
			retry_after_at = excluded.retry_after_at,
			failure_count = sync_state.failure_count + 1,
			last_error_code = excluded.last_error_code,
			updated_at = excluded.updated_at
	`
	return r.exec(ctx, "backoff", query, userID, resource, shared.UnixMilli(retryAt), shared.Sanitize(code), shared.UnixMilli(now))
}

// MarkError records a terminal failure. The stored code is truncated to [shared.MaxErrorCodeLength].
func (r *SyncStateRepository) MarkError(ctx context.Context, userID, resource, code string) error {
	query := `
		INSERT INTO sync_state (user_id, resource, status, failure_count, last_error_code, updated_at)
		VALUES (?, ?, 'error', 1, ?, ?)
		ON CONFLICT(user_id, resource) DO UPDATE SET
			status = 'error',
			retry_after_at = 0,
			failure_count = sync_state.failure_count + 1,
			last_error_code = excluded.last_error_code,
			updated_at = excluded.updated_at
	`
	return r.exec(ctx, "error", query, userID, resource, shared.Sanitize(code), shared.UnixMilli(r.now()))
}

// Get returns the state of one resource, or nil when it was never touched.
func (r *SyncStateRepository) Get(ctx context.Context, userID, resource string) (*models.SyncState, error) {
	query := `SELECT ` + syncStateColumns + ` FROM sync_state WHERE user_id = ? AND resource = ?`

	state, err := scanSyncState(r.db.QueryRowContext(ctx, query, userID, resource))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}
	return state, nil
}

// ListByUser returns every tracked resource of a user ordered by resource key.
func (r *SyncStateRepository) ListByUser(ctx context.Context, userID string) ([]*models.SyncState, error) {
	query := `SELECT ` + syncStateColumns + ` FROM sync_state WHERE user_id = ? ORDER BY resource ASC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}
	defer rows.Close()

	var states []*models.SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return states, nil
}

func (r *SyncStateRepository) exec(ctx context.Context, transition, query string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark sync state %s: %w", transition, err)
	}
	return nil
}

func scanSyncState(row rowScanner) (*models.SyncState, error) {
	var (
		s                              models.SyncState
		status                         string
		lastSuccess, retryAt, updateAt int64
	)

	err := row.Scan(&s.UserID, &s.Resource, &status, &s.Cursor.Offset, &s.Cursor.Limit, &s.Cursor.ID,
		&lastSuccess, &retryAt, &s.FailureCount, &s.LastErrorCode, &updateAt)
	if err != nil {
		return nil, err
	}

	s.Status = models.SyncStatus(status)
	s.LastSuccessAt = shared.FromUnixMilli(lastSuccess)
	s.RetryAfterAt = shared.FromUnixMilli(retryAt)
	s.UpdatedAt = shared.FromUnixMilli(updateAt)
	return &s, nil
}
