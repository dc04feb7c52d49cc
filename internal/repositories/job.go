package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/goccy/go-json"
)

const jobColumns = `id, user_id, type, resource, payload, not_before, status, attempts, last_error, created_at, updated_at`

// JobRepository is the durable job queue.
//
// Delivery is at-least-once: a job is claimed by a single conditional UPDATE … RETURNING, so two claimers can never
// both move the same row out of queued, but a job whose worker dies mid-run is delivered again after
// [JobRepository.RequeueStale].
type JobRepository struct {
	db  *sql.DB
	now Clock
}

// NewJobRepository creates a new [JobRepository] with the given database connection
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db, now: utcNow}
}

// SetClock overrides the clock used for updated_at bookkeeping.
func (r *JobRepository) SetClock(c Clock) { r.now = c }

// Enqueue inserts a queued job of type t for userID, eligible from notBefore.
func (r *JobRepository) Enqueue(ctx context.Context, userID string, t models.JobType, p models.Payload, notBefore time.Time) (*models.Job, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", shared.ErrMissingArgument)
	}
	if !models.PayloadMatches(t, p) {
		return nil, fmt.Errorf("%w: payload %T does not match job type %s", shared.ErrInvalidPayload, p, t)
	}

	raw, err := models.EncodePayload(p)
	if err != nil {
		return nil, err
	}

	now := r.now()
	job := &models.Job{
		ID:        shared.GenerateID(),
		UserID:    userID,
		Type:      t,
		Resource:  models.ResourceKey(t, p),
		Payload:   raw,
		NotBefore: notBefore.UTC(),
		Status:    models.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO jobs (id, user_id, type, resource, payload, not_before, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query,
		job.ID, job.UserID, string(job.Type), job.Resource, string(job.Payload),
		shared.UnixMilli(job.NotBefore), string(job.Status),
		shared.UnixMilli(now), shared.UnixMilli(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	return job, nil
}

// Claim atomically takes the oldest eligible queued job and marks it running, incrementing its attempt count.
//
// Returns (nil, nil) when nothing is claimable.
func (r *JobRepository) Claim(ctx context.Context, now time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND not_before <= ?
			ORDER BY not_before ASC, created_at ASC, id ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING ` + jobColumns

	ms := shared.UnixMilli(now)
	job, err := scanJob(r.db.QueryRowContext(ctx, query, ms, ms))
	if errors.Is(err, shared.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete marks a job done.
func (r *JobRepository) Complete(ctx context.Context, id string) error {
	query := `UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ? AND status IN ('running', 'queued')`

	result, err := r.db.ExecContext(ctx, query, shared.UnixMilli(r.now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return expectOne(result, shared.ErrJobNotFound, id)
}

// Reschedule returns a job to queued, eligible again at notBefore.
//
// A nil payload keeps the stored payload; otherwise it is replaced (continuation cursors).
func (r *JobRepository) Reschedule(ctx context.Context, id string, notBefore time.Time, p models.Payload) error {
	var (
		result sql.Result
		err    error
		now    = shared.UnixMilli(r.now())
	)

	if p == nil {
		query := `UPDATE jobs SET status = 'queued', not_before = ?, updated_at = ? WHERE id = ? AND status IN ('running', 'queued')`
		result, err = r.db.ExecContext(ctx, query, shared.UnixMilli(notBefore), now, id)
	} else {
		raw, encErr := models.EncodePayload(p)
		if encErr != nil {
			return encErr
		}
		query := `UPDATE jobs SET status = 'queued', not_before = ?, payload = ?, updated_at = ? WHERE id = ? AND status IN ('running', 'queued')`
		result, err = r.db.ExecContext(ctx, query, shared.UnixMilli(notBefore), string(raw), now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return expectOne(result, shared.ErrJobNotFound, id)
}

// Fail marks a job as terminally failed and annotates its payload with the reason.
func (r *JobRepository) Fail(ctx context.Context, id, reason string) error {
	reason = shared.Sanitize(reason)

	return shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", shared.ErrJobNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read job payload: %w", err)
		}

		annotated := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &annotated); err != nil {
			annotated = map[string]any{"raw": raw}
		}
		annotated["error"] = reason

		data, err := json.Marshal(annotated)
		if err != nil {
			return fmt.Errorf("failed to annotate payload: %w", err)
		}

		query := `UPDATE jobs SET status = 'error', payload = ?, last_error = ?, updated_at = ? WHERE id = ?`
		result, err := tx.ExecContext(ctx, query, string(data), reason, shared.UnixMilli(r.now()), id)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		return expectOne(result, shared.ErrJobNotFound, id)
	})
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

// ListByUser returns the most recently updated jobs of a user, newest first.
func (r *JobRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ? ORDER BY updated_at DESC, id ASC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return jobs, nil
}

// HasOutstanding reports whether userID has a queued or running job for resource.
func (r *JobRepository) HasOutstanding(ctx context.Context, userID, resource string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM jobs WHERE user_id = ? AND resource = ? AND status IN ('queued', 'running'))`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID, resource).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check outstanding jobs: %w", err)
	}
	return exists, nil
}

// HasCompleted reports whether userID has ever finished a job of type t.
func (r *JobRepository) HasCompleted(ctx context.Context, userID string, t models.JobType) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM jobs WHERE user_id = ? AND type = ? AND status = 'done')`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID, string(t)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check completed jobs: %w", err)
	}
	return exists, nil
}

// RequeueStale returns jobs stuck in running since before cutoff to queued and reports which jobs moved.
//
// A worker that dies mid-run leaves its job in that state. The scheduler sweeps on every schedule pass.
func (r *JobRepository) RequeueStale(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	now := shared.UnixMilli(r.now())
	query := `
		UPDATE jobs SET status = 'queued', not_before = ?, updated_at = ?
		WHERE status = 'running' AND updated_at < ?
		RETURNING ` + jobColumns

	rows, err := r.db.QueryContext(ctx, query, now, now, shared.UnixMilli(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                             models.Job
		jobType, status, payload        string
		notBefore, createdAt, updatedAt int64
	)

	err := row.Scan(&job.ID, &job.UserID, &jobType, &job.Resource, &payload, &notBefore, &status,
		&job.Attempts, &job.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	job.NotBefore = shared.FromUnixMilli(notBefore)
	job.CreatedAt = shared.FromUnixMilli(createdAt)
	job.UpdatedAt = shared.FromUnixMilli(updatedAt)

	return &job, nil
}
