package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/repositories"
	"github.com/desertthunder/libsync/internal/services"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/desertthunder/libsync/internal/tasks"
	tu "github.com/desertthunder/libsync/internal/testing"
	"github.com/desertthunder/libsync/internal/vault"
)

var testOptions = Options{
	WorkerID:           "worker-test",
	PollInterval:       10 * time.Millisecond,
	HeartbeatInterval:  time.Second,
	ScheduleInterval:   time.Hour,
	ContinuationDelay:  0,
	BackoffBase:        time.Second,
	BackoffMax:         time.Minute,
	StaleRunningAfter:  time.Minute,
	PageLimit:          50,
	MaxPagesPerRun:     2,
	BackfillLimit:      50,
	BackfillMaxBatches: 2,
}

// dispatchFunc adapts a function to [Dispatcher].
type dispatchFunc func(ctx context.Context, job *models.Job) (tasks.Result, error)

func (f dispatchFunc) Run(ctx context.Context, job *models.Job, _ chan<- tasks.ProgressUpdate) (tasks.Result, error) {
	return f(ctx, job)
}

type harness struct {
	sched     *Scheduler
	deps      Deps
	clock     *tu.Clock
	fake      *tu.FakeCatalog
	jobs      *repositories.JobRepository
	state     *repositories.SyncStateRepository
	users     *repositories.UserRepository
	heartbeat *repositories.HeartbeatRepository
	enqueuer  *Enqueuer
	vault     *vault.Vault
	refresher *services.TokenRefresher
	gate      *services.Gate
	oauth     shared.CatalogConfig
}

// newHarness wires a scheduler against a fake catalog for user u1, whose stored refresh credential is r1.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db := tu.NewTestDB(t)
	fake := tu.NewFakeCatalog(t)
	clock := tu.NewClock(time.Now().Truncate(time.Millisecond))

	h := &harness{
		clock:     clock,
		fake:      fake,
		jobs:      repositories.NewJobRepository(db),
		state:     repositories.NewSyncStateRepository(db),
		users:     repositories.NewUserRepository(db),
		heartbeat: repositories.NewHeartbeatRepository(db),
		gate:      services.NewGate(services.GateOptions{MaxConcurrency: 4, Timeout: 5 * time.Second}),
		oauth:     shared.CatalogConfig{ClientID: "client", ClientSecret: "secret", TokenURL: fake.TokenURL()},
	}
	h.jobs.SetClock(clock.Now)
	h.state.SetClock(clock.Now)
	h.enqueuer = NewEnqueuer(h.jobs, h.state)
	h.enqueuer.now = clock.Now

	v, err := vault.New(tu.VaultKey(), 1, repositories.NewCredentialRepository(db))
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}
	h.vault = v

	if _, err := h.users.Upsert(ctx, "u1", "User One"); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	if err := h.vault.Set(ctx, "u1", "r1"); err != nil {
		t.Fatalf("failed to store credential: %v", err)
	}
	fake.AllowRefresh("r1")

	h.refresher = h.newRefresher()
	catalog := repositories.NewCatalogRepository(db)
	client := services.NewClient(services.ClientOptions{BaseURL: fake.URL(), HTTPClient: h.gate.Client()})
	engine := tasks.NewEngine(services.NewSpotifyCatalog(client), h.refresher, catalog, h.state, h.enqueuer, nil)

	h.deps = Deps{
		Jobs:      h.jobs,
		State:     h.state,
		Users:     h.users,
		Heartbeat: h.heartbeat,
		Enqueuer:  h.enqueuer,
		Engine:    engine,
		Tokens:    h.refresher,
	}
	h.sched = h.newScheduler(h.deps)
	return h
}

func (h *harness) newRefresher() *services.TokenRefresher {
	return services.NewTokenRefresher(services.NewOAuthConfig(h.oauth), h.gate.Client(), h.vault, nil)
}

func (h *harness) newScheduler(deps Deps) *Scheduler {
	s := NewScheduler(deps, testOptions, nil)
	s.SetClock(h.clock.Now)
	s.SetJitter(NoJitter)
	return s
}

func (h *harness) enqueue(t *testing.T, userID string, jt models.JobType, p models.Payload) *models.Job {
	t.Helper()
	job, err := h.enqueuer.EnqueueAt(context.Background(), userID, jt, p, h.clock.Now())
	if err != nil {
		t.Fatalf("failed to enqueue %s: %v", jt, err)
	}
	return job
}

func (h *harness) step(t *testing.T) {
	t.Helper()
	worked, err := h.sched.Step(context.Background())
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if !worked {
		t.Fatal("expected a job to be claimed")
	}
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get job %s: %v", id, err)
	}
	return job
}

func (h *harness) syncState(t *testing.T, userID, resource string) *models.SyncState {
	t.Helper()
	s, err := h.state.Get(context.Background(), userID, resource)
	if err != nil || s == nil {
		t.Fatalf("expected sync state for %s, got %v, %v", resource, s, err)
	}
	return s
}

func savedTracks(n int) []tu.FakeTrack {
	newest := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tracks := make([]tu.FakeTrack, n)
	for i := range tracks {
		id := fmt.Sprintf("t%03d", i)
		tracks[i] = tu.FakeTrack{
			ID:         id,
			Name:       "Track " + id,
			AlbumID:    "album-" + id,
			AlbumName:  "Album " + id,
			ArtistID:   "artist-" + id,
			ArtistName: "Artist " + id,
			AddedAt:    newest.Add(-time.Duration(i) * time.Minute),
		}
	}
	return tracks
}

func tracksPayload() models.TracksPayload {
	return models.TracksPayload{Limit: 50, MaxPagesPerRun: 2}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, time.Minute

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{64, time.Minute},
		{1 << 20, time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempts), func(t *testing.T) {
			if got := Backoff(tt.attempts, base, max, NoJitter); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
			}
		})
	}

	t.Run("monotonic up to the cap", func(t *testing.T) {
		prev := time.Duration(0)
		for attempts := 1; attempts <= 100; attempts++ {
			d := Backoff(attempts, base, max, NoJitter)
			if d < prev {
				t.Fatalf("Backoff(%d) = %v, less than previous %v", attempts, d, prev)
			}
			if d > max {
				t.Fatalf("Backoff(%d) = %v exceeds max", attempts, d)
			}
			prev = d
		}
	})

	t.Run("jitter stays within ten percent and under the cap", func(t *testing.T) {
		for attempts := 1; attempts <= 10; attempts++ {
			floor := Backoff(attempts, base, max, NoJitter)
			for range 200 {
				d := Backoff(attempts, base, max, RandomJitter)
				ceiling := floor + floor/10
				if ceiling > max {
					ceiling = max
				}
				if d < floor || d > ceiling {
					t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", attempts, d, floor, ceiling)
				}
			}
		}
	})

	t.Run("full jitter is clamped to max", func(t *testing.T) {
		full := func(d time.Duration) time.Duration { return d }
		if got := Backoff(6, base, 33*time.Second, full); got != 33*time.Second {
			t.Errorf("expected clamp to 33s, got %v", got)
		}
	})
}

func TestSchedulerOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		h := newHarness(t)
		worked, err := h.sched.Step(ctx)
		if err != nil || worked {
			t.Errorf("expected no work, got %v, %v", worked, err)
		}
	})

	t.Run("continuation then completion", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetSavedTracks(savedTracks(120)...)
		job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())

		h.step(t)
		got := h.job(t, job.ID)
		if got.Status != models.JobQueued || got.Attempts != 1 {
			t.Fatalf("expected queued continuation after attempt 1, got %s/%d", got.Status, got.Attempts)
		}
		p, err := got.Decode()
		if err != nil || p.(models.TracksPayload).Offset != 100 {
			t.Fatalf("expected continuation at offset 100, got %+v, %v", p, err)
		}
		if s := h.syncState(t, "u1", models.ResourceTracks); s.Status != models.SyncQueued || s.Cursor.Offset != 100 {
			t.Errorf("expected queued state at 100, got %s at %d", s.Status, s.Cursor.Offset)
		}

		h.step(t)
		if got := h.job(t, job.ID); got.Status != models.JobDone {
			t.Errorf("expected done, got %s", got.Status)
		}
		s := h.syncState(t, "u1", models.ResourceTracks)
		if s.Status != models.SyncIdle || s.Cursor.Offset != 120 || s.LastSuccessAt.IsZero() {
			t.Errorf("expected idle at 120 with last success, got %+v", s)
		}
	})

	t.Run("rate limit defers by retry after", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetSavedTracks(savedTracks(10)...)
		h.fake.FailNext("/me/tracks", tu.FakeFailure{Status: 429, RetryAfter: "5"})
		job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())
		now := h.clock.Now()

		h.step(t)

		got := h.job(t, job.ID)
		if got.Status != models.JobQueued {
			t.Fatalf("expected queued, got %s", got.Status)
		}
		if got.NotBefore.Before(now.Add(5 * time.Second)) {
			t.Errorf("expected not_before >= now+5s, got %v", got.NotBefore.Sub(now))
		}
		if p, _ := got.Decode(); p.(models.TracksPayload).Offset != 0 {
			t.Errorf("expected payload unchanged, got %+v", p)
		}

		s := h.syncState(t, "u1", models.ResourceTracks)
		if s.Status != models.SyncBackoff || s.FailureCount != 1 {
			t.Errorf("expected backoff with one failure, got %s/%d", s.Status, s.FailureCount)
		}
		if !s.RetryAfterAt.Equal(now.Add(5 * time.Second)) {
			t.Errorf("expected retry_after_at now+5s, got %v", s.RetryAfterAt.Sub(now))
		}

		if worked, _ := h.sched.Step(ctx); worked {
			t.Error("expected deferred job not to be claimable yet")
		}
		h.clock.Advance(5 * time.Second)
		h.step(t)
		if got := h.job(t, job.ID); got.Status != models.JobDone {
			t.Errorf("expected done after the deferral, got %s", got.Status)
		}
	})

	t.Run("retryable failures back off exponentially", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetSavedTracks(savedTracks(10)...)
		h.fake.FailNext("/me/tracks", tu.FakeFailure{Status: 503}, tu.FakeFailure{Status: 502}, tu.FakeFailure{Status: 500})
		job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())

		for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
			now := h.clock.Now()
			h.step(t)

			got := h.job(t, job.ID)
			if delay := got.NotBefore.Sub(now); got.Status != models.JobQueued || delay != want {
				t.Fatalf("attempt %d: expected queued with delay %v, got %s with %v", i+1, want, got.Status, delay)
			}
			if s := h.syncState(t, "u1", models.ResourceTracks); s.Status != models.SyncBackoff || s.FailureCount != i+1 {
				t.Fatalf("attempt %d: expected backoff count %d, got %s/%d", i+1, i+1, s.Status, s.FailureCount)
			}
			h.clock.Advance(want)
		}

		h.step(t)
		if got := h.job(t, job.ID); got.Status != models.JobDone || got.Attempts != 4 {
			t.Errorf("expected done on attempt 4, got %s/%d", got.Status, got.Attempts)
		}
		if s := h.syncState(t, "u1", models.ResourceTracks); s.FailureCount != 0 || s.LastErrorCode != "" {
			t.Errorf("expected failure count reset, got %+v", s)
		}
	})

	t.Run("unauthorized invalidates the access token", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetSavedTracks(savedTracks(10)...)
		h.fake.FailNext("/me/tracks", tu.FakeFailure{Status: 401})
		job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())

		h.step(t)
		if got := h.job(t, job.ID); got.Status != models.JobQueued {
			t.Fatalf("expected unauthorized to be retried, got %s", got.Status)
		}
		if n := h.fake.Requests("/api/token"); n != 1 {
			t.Fatalf("expected 1 exchange, got %d", n)
		}

		h.clock.Advance(time.Second)
		h.step(t)
		if n := h.fake.Requests("/api/token"); n != 2 {
			t.Errorf("expected a fresh exchange after invalidation, got %d", n)
		}
		if got := h.job(t, job.ID); got.Status != models.JobDone {
			t.Errorf("expected done, got %s", got.Status)
		}
	})

	t.Run("revoked credential fails the job", func(t *testing.T) {
		h := newHarness(t)
		if err := h.vault.Set(ctx, "u1", "revoked-secret-value"); err != nil {
			t.Fatalf("failed to store credential: %v", err)
		}
		h.fake.FailNext("/api/token", tu.FakeFailure{
			Status: 400,
			Body:   `{"error":"invalid_grant","refresh_token":"revoked-secret-value"}`,
		})
		job := h.enqueue(t, "u1", models.JobPlaylists, models.PlaylistsPayload{Limit: 50, MaxPagesPerRun: 1})

		h.step(t)

		got := h.job(t, job.ID)
		if got.Status != models.JobError || got.LastError == "" {
			t.Fatalf("expected error with reason, got %s %q", got.Status, got.LastError)
		}
		if strings.Contains(got.LastError, "revoked-secret-value") || strings.Contains(string(got.Payload), "revoked-secret-value") {
			t.Errorf("expected credential to be redacted, got %q", got.LastError)
		}

		s := h.syncState(t, "u1", models.ResourcePlaylists)
		if s.Status != models.SyncError || s.FailureCount != 1 {
			t.Errorf("expected error state, got %s/%d", s.Status, s.FailureCount)
		}
		if strings.Contains(s.LastErrorCode, "revoked-secret-value") || len(s.LastErrorCode) > shared.MaxErrorCodeLength {
			t.Errorf("expected sanitized error code, got %q", s.LastErrorCode)
		}
	})

	t.Run("missing credential fails the job", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.users.Upsert(ctx, "u2", "No Credential"); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}
		job := h.enqueue(t, "u2", models.JobTracksInitial, tracksPayload())

		h.step(t)
		if got := h.job(t, job.ID); got.Status != models.JobError {
			t.Errorf("expected error, got %s", got.Status)
		}
	})

	t.Run("panic is recovered as a fatal error", func(t *testing.T) {
		h := newHarness(t)
		deps := h.deps
		deps.Engine = dispatchFunc(func(context.Context, *models.Job) (tasks.Result, error) {
			panic("boom")
		})
		h.sched = h.newScheduler(deps)
		job := h.enqueue(t, "u1", models.JobCovers, models.BackfillPayload{Limit: 10, MaxBatches: 1})

		h.step(t)

		got := h.job(t, job.ID)
		if got.Status != models.JobError || !strings.Contains(got.LastError, "panic: boom") {
			t.Errorf("expected panic recorded as error, got %s %q", got.Status, got.LastError)
		}
		if s := h.syncState(t, "u1", models.ResourceCovers); s.Status != models.SyncError {
			t.Errorf("expected error state, got %s", s.Status)
		}
	})

	t.Run("shutdown requeues the interrupted job", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithCancel(context.Background())
		deps := h.deps
		deps.Engine = dispatchFunc(func(ctx context.Context, _ *models.Job) (tasks.Result, error) {
			cancel()
			return tasks.Result{}, ctx.Err()
		})
		h.sched = h.newScheduler(deps)
		job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())

		if _, err := h.sched.Step(ctx); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		got := h.job(t, job.ID)
		if got.Status != models.JobQueued || got.NotBefore.After(h.clock.Now()) {
			t.Errorf("expected job queued and eligible now, got %s at %v", got.Status, got.NotBefore)
		}
		if s := h.syncState(t, "u1", models.ResourceTracks); s.Status != models.SyncQueued {
			t.Errorf("expected queued sync state, got %s", s.Status)
		}
	})
}

func TestRestartAfterShutdown(t *testing.T) {
	h := newHarness(t)
	h.fake.SetSavedTracks(savedTracks(10)...)

	ctx, cancel := context.WithCancel(context.Background())
	deps := h.deps
	deps.Engine = dispatchFunc(func(ctx context.Context, _ *models.Job) (tasks.Result, error) {
		cancel()
		return tasks.Result{}, ctx.Err()
	})
	h.sched = h.newScheduler(deps)
	job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())
	if _, err := h.sched.Step(ctx); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	h.clock.Advance(10 * time.Second)
	h.sched = h.newScheduler(h.deps)
	if err := h.sched.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := h.sched.Seed(context.Background()); err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
		if _, err := h.sched.Step(context.Background()); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if got := h.job(t, job.ID); got.Status == models.JobDone {
			break
		}
		h.clock.Advance(time.Minute)
	}

	if got := h.job(t, job.ID); got.Status != models.JobDone {
		t.Fatalf("expected the interrupted job to finish after restart, got %s", got.Status)
	}
	if s := h.syncState(t, "u1", models.ResourceTracks); s.Status != models.SyncIdle || s.Cursor.Offset != 10 {
		t.Errorf("expected idle tracks state at offset 10, got %s at %d", s.Status, s.Cursor.Offset)
	}
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())
	if _, err := h.jobs.Claim(ctx, h.clock.Now()); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := h.state.MarkRunning(ctx, "u1", models.ResourceTracks); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	t.Run("fresh running job is left alone", func(t *testing.T) {
		if err := h.sched.Recover(ctx); err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if got := h.job(t, job.ID); got.Status != models.JobRunning {
			t.Errorf("expected job still running, got %s", got.Status)
		}
	})

	t.Run("stale running job is requeued with its resource", func(t *testing.T) {
		h.clock.Advance(testOptions.StaleRunningAfter + time.Second)
		if err := h.sched.Recover(ctx); err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if got := h.job(t, job.ID); got.Status != models.JobQueued {
			t.Errorf("expected job queued, got %s", got.Status)
		}
		if s := h.syncState(t, "u1", models.ResourceTracks); s.Status != models.SyncQueued {
			t.Errorf("expected queued sync state, got %s", s.Status)
		}
	})
}

func TestCredentialRotation(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t)
	h.fake.SetSavedTracks(savedTracks(10)...)
	h.fake.RotateRefresh("r2")
	job := h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())

	h.step(t)
	if got := h.job(t, job.ID); got.Status != models.JobDone {
		t.Fatalf("expected done, got %s", got.Status)
	}

	refresh, err := h.vault.Get(ctx, "u1")
	if err != nil || refresh != "r2" {
		t.Fatalf("expected rotated credential r2 to be stored, got %q, %v", refresh, err)
	}

	if err := h.vault.ClearAccess(ctx, "u1"); err != nil {
		t.Fatalf("ClearAccess failed: %v", err)
	}
	if _, err := h.newRefresher().AccessToken(ctx, "u1"); err != nil {
		t.Errorf("expected a new process to refresh with the rotated credential, got %v", err)
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()

	t.Run("one outstanding job per resource", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.users.Upsert(ctx, "u2", "No Credential"); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}

		for range 2 {
			if err := h.sched.Seed(ctx); err != nil {
				t.Fatalf("Seed failed: %v", err)
			}
		}

		jobs, err := h.jobs.ListByUser(ctx, "u1", 10)
		if err != nil {
			t.Fatalf("ListByUser failed: %v", err)
		}
		types := map[models.JobType]int{}
		for _, j := range jobs {
			types[j.Type]++
		}
		if len(jobs) != 2 || types[models.JobTracksInitial] != 1 || types[models.JobPlaylists] != 1 {
			t.Errorf("expected one tracks_initial and one playlists job, got %v", types)
		}
		if s := h.syncState(t, "u1", models.ResourceTracks); s.Status != models.SyncQueued {
			t.Errorf("expected tracks queued, got %s", s.Status)
		}

		if others, _ := h.jobs.ListByUser(ctx, "u2", 10); len(others) != 0 {
			t.Errorf("expected no jobs for a user without credentials, got %d", len(others))
		}
	})

	t.Run("incremental after the initial sync", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetSavedTracks(savedTracks(10)...)
		h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())
		h.step(t)

		if err := h.sched.Seed(ctx); err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
		outstanding, err := h.jobs.ListByUser(ctx, "u1", 10)
		if err != nil {
			t.Fatalf("ListByUser failed: %v", err)
		}
		var incremental int
		for _, j := range outstanding {
			if j.Type == models.JobTracksIncremental && j.Status == models.JobQueued {
				incremental++
			}
		}
		if incremental != 1 {
			t.Errorf("expected one queued tracks_incremental job, got %d", incremental)
		}
	})

	t.Run("playlists completion seeds backfills", func(t *testing.T) {
		h := newHarness(t)
		h.enqueue(t, "u1", models.JobPlaylists, models.PlaylistsPayload{Limit: 50, MaxPagesPerRun: 1})
		h.step(t)

		for _, resource := range []string{models.ResourceTrackMetadata, models.ResourceCovers} {
			if ok, _ := h.jobs.HasOutstanding(ctx, "u1", resource); !ok {
				t.Errorf("expected an outstanding %s job", resource)
			}
		}
	})
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.sched.Beat(ctx)

	hb, err := h.heartbeat.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hb.WorkerID != "worker-test" || !hb.BeatAt.Equal(h.clock.Now()) {
		t.Errorf("expected heartbeat from worker-test at %v, got %+v", h.clock.Now(), hb)
	}
	if !hb.Alive(h.clock.Now().Add(30*time.Second), 30*time.Second) {
		t.Error("expected heartbeat to be alive within 30s")
	}
}

func TestRun(t *testing.T) {
	h := newHarness(t)
	h.sched.SetClock(time.Now)
	h.jobs.SetClock(time.Now)
	h.fake.SetSavedTracks(savedTracks(10)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := h.jobs.HasCompleted(context.Background(), "u1", models.JobTracksInitial)
		if err != nil {
			t.Fatalf("HasCompleted failed: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("expected the seeded tracks_initial job to complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run to return after cancellation")
	}

	if hb, _ := h.heartbeat.Get(context.Background()); hb.WorkerID != "worker-test" {
		t.Errorf("expected heartbeat from the loop, got %+v", hb)
	}
}

func TestSyncNow(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		resource string
		wantType models.JobType
		wantErr  error
	}{
		{name: "tracks before initial sync", resource: models.ResourceTracks, wantType: models.JobTracksInitial},
		{name: "playlists", resource: models.ResourcePlaylists, wantType: models.JobPlaylists},
		{name: "metadata", resource: models.ResourceTrackMetadata, wantType: models.JobTrackMetadata},
		{name: "covers", resource: models.ResourceCovers, wantType: models.JobCovers},
		{name: "playlist items", resource: models.PlaylistItemsResource("p1"), wantErr: shared.ErrInvalidArgument},
		{name: "unknown", resource: "albums", wantErr: shared.ErrUnknownResource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			id, err := h.sched.SyncNow(ctx, "u1", tt.resource)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SyncNow failed: %v", err)
			}

			job := h.job(t, id)
			if job.Type != tt.wantType || job.Resource != tt.resource {
				t.Errorf("expected %s for %s, got %s for %s", tt.wantType, tt.resource, job.Type, job.Resource)
			}
			if s := h.syncState(t, "u1", tt.resource); s.Status != models.SyncQueued {
				t.Errorf("expected queued state, got %s", s.Status)
			}
		})
	}

	t.Run("refuses a second outstanding job", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.sched.SyncNow(ctx, "u1", models.ResourcePlaylists); err != nil {
			t.Fatalf("SyncNow failed: %v", err)
		}
		if _, err := h.sched.SyncNow(ctx, "u1", models.ResourcePlaylists); !errors.Is(err, shared.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("tracks after initial sync", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetSavedTracks(savedTracks(3)...)
		h.enqueue(t, "u1", models.JobTracksInitial, tracksPayload())
		h.step(t)

		id, err := h.sched.SyncNow(ctx, "u1", models.ResourceTracks)
		if err != nil {
			t.Fatalf("SyncNow failed: %v", err)
		}
		if job := h.job(t, id); job.Type != models.JobTracksIncremental {
			t.Errorf("expected tracks_incremental, got %s", job.Type)
		}
	})
}
