package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/metrics"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/repositories"
	"github.com/desertthunder/libsync/internal/services"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/tasks"
)

// Job outcomes recorded in metrics and logs.
const (
	OutcomeDone        = "done"
	OutcomeContinued   = "continued"
	OutcomeRateLimited = "rate_limited"
	OutcomeRetry       = "retry"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Dispatcher runs one delivery of a job. [tasks.Engine] is the production implementation.
type Dispatcher interface {
	Run(ctx context.Context, job *models.Job, progress chan<- tasks.ProgressUpdate) (tasks.Result, error)
}

// Options tunes the scheduler loop.
type Options struct {
	WorkerID           string
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	ScheduleInterval   time.Duration
	ContinuationDelay  time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	StaleRunningAfter  time.Duration
	PageLimit          int
	MaxPagesPerRun     int
	BackfillLimit      int
	BackfillMaxBatches int
}

// OptionsFromConfig maps the [worker] config section to [Options] with a fresh worker id.
func OptionsFromConfig(c shared.WorkerConfig) Options {
	return Options{
		WorkerID:           shared.GenerateID(),
		PollInterval:       c.PollInterval,
		HeartbeatInterval:  c.HeartbeatInterval,
		ScheduleInterval:   c.ScheduleInterval,
		ContinuationDelay:  c.ContinuationDelay,
		BackoffBase:        c.BackoffBase,
		BackoffMax:         c.BackoffMax,
		StaleRunningAfter:  c.StaleRunningAfter,
		PageLimit:          c.PageLimit,
		MaxPagesPerRun:     c.MaxPagesPerRun,
		BackfillLimit:      c.BackfillLimit,
		BackfillMaxBatches: c.BackfillMaxBatches,
	}
}

// TracksPayload is the payload seeded for saved-track syncs.
func (o Options) TracksPayload() models.TracksPayload {
	return models.TracksPayload{Limit: o.PageLimit, MaxPagesPerRun: o.MaxPagesPerRun}
}

// PlaylistsPayload is the payload seeded for playlist syncs.
func (o Options) PlaylistsPayload() models.PlaylistsPayload {
	return models.PlaylistsPayload{Limit: o.PageLimit, MaxPagesPerRun: o.MaxPagesPerRun}
}

// BackfillPayload is the payload seeded for metadata and cover backfills.
func (o Options) BackfillPayload() models.BackfillPayload {
	return models.BackfillPayload{Limit: o.BackfillLimit, MaxBatches: o.BackfillMaxBatches}
}

// Scheduler is the single-threaded job loop. Outbound concurrency lives inside the algorithms, bounded by the
// catalog gate.
type Scheduler struct {
	jobs      *repositories.JobRepository
	state     *repositories.SyncStateRepository
	users     *repositories.UserRepository
	heartbeat *repositories.HeartbeatRepository
	enqueuer  *Enqueuer
	engine    Dispatcher
	tokens    services.Tokens
	opts      Options
	logger    *log.Logger
	now       func() time.Time
	jitter    Jitter
}

// Deps groups the collaborators of a [Scheduler].
type Deps struct {
	Jobs      *repositories.JobRepository
	State     *repositories.SyncStateRepository
	Users     *repositories.UserRepository
	Heartbeat *repositories.HeartbeatRepository
	Enqueuer  *Enqueuer
	Engine    Dispatcher
	Tokens    services.Tokens
}

// NewScheduler creates a new [Scheduler].
func NewScheduler(deps Deps, opts Options, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = shared.GenerateID()
	}
	return &Scheduler{
		jobs:      deps.Jobs,
		state:     deps.State,
		users:     deps.Users,
		heartbeat: deps.Heartbeat,
		enqueuer:  deps.Enqueuer,
		engine:    deps.Engine,
		tokens:    deps.Tokens,
		opts:      opts,
		logger:    shared.WithLogger(logger, "worker", opts.WorkerID),
		now:       time.Now,
		jitter:    RandomJitter,
	}
}

// SetClock overrides the clock used for claims, deferrals and heartbeats.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Options returns the options the scheduler was built with.
func (s *Scheduler) Options() Options { return s.opts }

// SetJitter overrides [RandomJitter].
func (s *Scheduler) SetJitter(j Jitter) { s.jitter = j }

// Run loops until ctx is cancelled. Job failures never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}

	s.logger.Info("scheduler started", "poll", s.opts.PollInterval, "heartbeat", s.opts.HeartbeatInterval)

	var lastBeat, lastSeed time.Time
	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return nil
		}

		now := s.now()
		if now.Sub(lastBeat) >= s.opts.HeartbeatInterval {
			s.Beat(ctx)
			lastBeat = now
		}
		if now.Sub(lastSeed) >= s.opts.ScheduleInterval {
			if err := s.Recover(ctx); err != nil {
				s.logger.Error("failed to requeue stale jobs", "error", err)
			}
			if err := s.Seed(ctx); err != nil {
				s.logger.Error("failed to seed recurring jobs", "error", err)
			}
			lastSeed = now
		}

		worked, err := s.Step(ctx)
		if err != nil {
			s.logger.Error("scheduler step failed", "error", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// Recover returns jobs left running by a crashed process to the queue and marks their resources queued.
//
// Jobs are only running inside [Scheduler.Step], so a sweep between steps never touches this worker's own job.
func (s *Scheduler) Recover(ctx context.Context) error {
	requeued, err := s.jobs.RequeueStale(ctx, s.now().Add(-s.opts.StaleRunningAfter))
	if err != nil {
		return err
	}
	if len(requeued) == 0 {
		return nil
	}

	metrics.JobsRequeued.Add(float64(len(requeued)))
	s.logger.Warn("requeued stale running jobs", "count", len(requeued))

	var errs []error
	for _, job := range requeued {
		if err := s.state.MarkQueued(ctx, job.UserID, job.Resource); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Beat publishes the heartbeat. Failures are logged only.
func (s *Scheduler) Beat(ctx context.Context) {
	now := s.now()
	if err := s.heartbeat.Beat(ctx, s.opts.WorkerID, now); err != nil {
		s.logger.Warn("failed to write heartbeat", "error", err)
		return
	}
	metrics.HeartbeatTimestamp.Set(float64(now.Unix()))
}

// Seed ensures every user with a credential has an outstanding tracks job and an outstanding playlists job.
//
// Users that never completed an initial tracks sync get tracks_initial, the rest tracks_incremental.
func (s *Scheduler) Seed(ctx context.Context) error {
	users, err := s.users.ListSyncable(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, u := range users {
		if err := s.seedUser(ctx, u.ID); err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) seedUser(ctx context.Context, userID string) error {
	for _, resource := range []string{models.ResourceTracks, models.ResourcePlaylists} {
		t, p, err := s.JobFor(ctx, userID, resource)
		if err != nil {
			return err
		}
		created, err := s.enqueuer.EnsureOutstanding(ctx, userID, t, p)
		if err != nil {
			return err
		}
		if created {
			s.logger.Debug("seeded job", "user", userID, "type", t)
		}
	}
	return nil
}

// JobFor returns the job that refreshes resource for userID.
//
// Playlist membership is only queued by the playlists sync, which knows the snapshot being fetched.
func (s *Scheduler) JobFor(ctx context.Context, userID, resource string) (models.JobType, models.Payload, error) {
	switch resource {
	case models.ResourceTracks:
		synced, err := s.jobs.HasCompleted(ctx, userID, models.JobTracksInitial)
		if err != nil {
			return "", nil, err
		}
		if synced {
			return models.JobTracksIncremental, s.opts.TracksPayload(), nil
		}
		return models.JobTracksInitial, s.opts.TracksPayload(), nil
	case models.ResourcePlaylists:
		return models.JobPlaylists, s.opts.PlaylistsPayload(), nil
	case models.ResourceTrackMetadata:
		return models.JobTrackMetadata, s.opts.BackfillPayload(), nil
	case models.ResourceCovers:
		return models.JobCovers, s.opts.BackfillPayload(), nil
	}

	if _, ok := models.PlaylistIDFromResource(resource); ok {
		return "", nil, fmt.Errorf("%w: %s is synced by the playlists job", shared.ErrInvalidArgument, resource)
	}
	return "", nil, fmt.Errorf("%w: %q", shared.ErrUnknownResource, resource)
}

// SyncNow queues an immediate refresh of resource unless one is already outstanding.
func (s *Scheduler) SyncNow(ctx context.Context, userID, resource string) (string, error) {
	t, p, err := s.JobFor(ctx, userID, resource)
	if err != nil {
		return "", err
	}

	busy, err := s.enqueuer.HasOutstanding(ctx, userID, resource)
	if err != nil {
		return "", err
	}
	if busy {
		return "", fmt.Errorf("%w: %s already has an outstanding job", shared.ErrInvalidArgument, resource)
	}
	return s.enqueuer.Enqueue(ctx, userID, t, p)
}

// Step claims and handles at most one job. It reports whether a job was claimed.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	job, err := s.jobs.Claim(ctx, s.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	s.process(ctx, job)
	return true, nil
}

func (s *Scheduler) process(ctx context.Context, job *models.Job) {
	start := s.now()
	logger := shared.WithLogger(s.logger, "job", job.ID, "type", job.Type, "user", job.UserID, "attempt", job.Attempts)
	metrics.JobsClaimed.WithLabelValues(job.Type.String()).Inc()

	if err := s.state.MarkRunning(ctx, job.UserID, job.Resource); err != nil {
		logger.Warn("failed to mark resource running", "resource", job.Resource, "error", err)
	}

	result, err := s.dispatch(ctx, job)
	outcome, herr := s.handle(ctx, job, result, err)
	if herr != nil {
		logger.Error("failed to record job outcome", "outcome", outcome, "error", herr)
	}

	elapsed := s.now().Sub(start)
	metrics.RecordJob(job.Type.String(), outcome, elapsed)

	switch outcome {
	case OutcomeFailed:
		logger.Error("job failed", "error", shared.SanitizeError(err), "elapsed", elapsed)
	case OutcomeRetry, OutcomeRateLimited:
		logger.Warn("job deferred", "outcome", outcome, "error", shared.SanitizeError(err), "elapsed", elapsed)
	default:
		logger.Info("job handled", "outcome", outcome, "items", result.Items, "elapsed", elapsed)
	}
}

// dispatch runs the job, turning a panic into a fatal error.
func (s *Scheduler) dispatch(ctx context.Context, job *models.Job) (result tasks.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", shared.ErrFatal, r)
		}
	}()
	return s.engine.Run(ctx, job, nil)
}

// handle applies the queue and sync-state transition for one job outcome.
func (s *Scheduler) handle(ctx context.Context, job *models.Job, result tasks.Result, err error) (string, error) {
	interrupted := err != nil && ctx.Err() != nil

	// Transitions are recorded even when shutdown starts after the run returned.
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	switch {
	case interrupted:
		// The stored payload still points where this delivery started. Replaying committed pages is idempotent.
		if err := s.jobs.Reschedule(ctx, job.ID, now, nil); err != nil {
			return OutcomeInterrupted, err
		}
		return OutcomeInterrupted, s.state.MarkQueued(ctx, job.UserID, job.Resource)

	case err == nil && result.Done:
		if err := s.jobs.Complete(ctx, job.ID); err != nil {
			return OutcomeDone, err
		}
		return OutcomeDone, s.seedFollowOns(ctx, job)

	case err == nil:
		if err := s.jobs.Reschedule(ctx, job.ID, now.Add(s.opts.ContinuationDelay), result.Next); err != nil {
			return OutcomeContinued, err
		}
		return OutcomeContinued, s.state.MarkQueued(ctx, job.UserID, job.Resource)

	case errors.Is(err, shared.ErrRateLimited):
		retryAfter, ok := services.RetryAfter(err)
		if !ok || retryAfter <= 0 {
			retryAfter = services.DefaultRetryAfter
		}
		return OutcomeRateLimited, s.postpone(ctx, job, now.Add(deferral(retryAfter, s.jitter)), err)

	case errors.Is(err, shared.ErrUnauthorized):
		s.tokens.Invalidate(ctx, job.UserID)
		fallthrough

	case errors.Is(err, shared.ErrRetryable):
		delay := Backoff(job.Attempts, s.opts.BackoffBase, s.opts.BackoffMax, s.jitter)
		return OutcomeRetry, s.postpone(ctx, job, now.Add(delay), err)

	default:
		code := shared.SanitizeError(err)
		if err := s.jobs.Fail(ctx, job.ID, code); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeFailed, s.state.MarkError(ctx, job.UserID, job.Resource, code)
	}
}

// postpone requeues the job unchanged at retryAt and records the backoff.
func (s *Scheduler) postpone(ctx context.Context, job *models.Job, retryAt time.Time, cause error) error {
	if err := s.jobs.Reschedule(ctx, job.ID, retryAt, nil); err != nil {
		return err
	}
	return s.state.MarkBackoff(ctx, job.UserID, job.Resource, retryAt, shared.SanitizeError(cause))
}

// seedFollowOns queues the backfills that fill in what playlist syncs leave partial.
func (s *Scheduler) seedFollowOns(ctx context.Context, job *models.Job) error {
	if job.Type != models.JobPlaylists && job.Type != models.JobPlaylistItems {
		return nil
	}

	for _, t := range []models.JobType{models.JobTrackMetadata, models.JobCovers} {
		if _, err := s.enqueuer.EnsureOutstanding(ctx, job.UserID, t, s.opts.BackfillPayload()); err != nil {
			return err
		}
	}
	return nil
}
