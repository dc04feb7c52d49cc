package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/repositories"
)

// Enqueuer is the entry point for new jobs. Every job it creates also marks its resource queued.
type Enqueuer struct {
	jobs  *repositories.JobRepository
	state *repositories.SyncStateRepository
	now   func() time.Time
}

// NewEnqueuer creates a new [Enqueuer].
func NewEnqueuer(jobs *repositories.JobRepository, state *repositories.SyncStateRepository) *Enqueuer {
	return &Enqueuer{jobs: jobs, state: state, now: time.Now}
}

// Enqueue validates p, stores a job that is runnable immediately and returns its id.
func (e *Enqueuer) Enqueue(ctx context.Context, userID string, t models.JobType, p models.Payload) (string, error) {
	job, err := e.EnqueueAt(ctx, userID, t, p, e.now())
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// EnqueueAt stores a job that becomes runnable at notBefore.
func (e *Enqueuer) EnqueueAt(ctx context.Context, userID string, t models.JobType, p models.Payload, notBefore time.Time) (*models.Job, error) {
	job, err := e.jobs.Enqueue(ctx, userID, t, p, notBefore)
	if err != nil {
		return nil, err
	}
	if err := e.state.MarkQueued(ctx, userID, job.Resource); err != nil {
		return job, fmt.Errorf("job %s enqueued: %w", job.ID, err)
	}
	return job, nil
}

// HasOutstanding reports whether a queued or running job exists for the resource.
func (e *Enqueuer) HasOutstanding(ctx context.Context, userID, resource string) (bool, error) {
	return e.jobs.HasOutstanding(ctx, userID, resource)
}

// EnsureOutstanding enqueues a job unless one is already outstanding for its resource. It reports whether a job
// was created.
func (e *Enqueuer) EnsureOutstanding(ctx context.Context, userID string, t models.JobType, p models.Payload) (bool, error) {
	outstanding, err := e.HasOutstanding(ctx, userID, models.ResourceKey(t, p))
	if err != nil || outstanding {
		return false, err
	}
	if _, err := e.Enqueue(ctx, userID, t, p); err != nil {
		return false, err
	}
	return true, nil
}
