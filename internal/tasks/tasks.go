package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/repositories"
	"github.com/desertthunder/libsync/internal/services"
	"github.com/desertthunder/libsync/internal/shared"
)

// DefaultFanout bounds concurrent lookups and downloads within one run. The catalog gate bounds them globally.
const DefaultFanout = 4

// Result is the outcome of one algorithm run.
type Result struct {
	Done  bool           // Resource reached its terminal page or ran out of candidates
	Next  models.Payload // Continuation payload when not done
	Items int            // Rows written during this run
}

// CatalogStore is the persistence the algorithms write through.
type CatalogStore interface {
	SaveTrackPage(ctx context.Context, userID string, page []models.SavedTrack) error
	MaxAddedAt(ctx context.Context, userID string) (time.Time, error)
	SavePlaylistPage(ctx context.Context, userID string, offset int, page []models.Playlist) error
	SyncedSnapshot(ctx context.Context, playlistID string) (string, error)
	SavePlaylistItemsPage(ctx context.Context, playlistID string, items []models.PlaylistItem) error
	FinishPlaylistRun(ctx context.Context, playlistID, runID, snapshotID string) (int64, error)
	TracksMissingMetadata(ctx context.Context, cursor string, limit int) ([]string, error)
	SaveTrackMetadata(ctx context.Context, tracks []models.Track) error
	MarkMetadataChecked(ctx context.Context, ids []string) error
	TracksMissingCovers(ctx context.Context, cursor string, limit int) ([]repositories.CoverCandidate, error)
	MissingCovers(ctx context.Context, ids []string) ([]repositories.CoverCandidate, error)
	SaveCover(ctx context.Context, trackID string, img models.Image) error
}

// StateTracker records per-resource progress.
type StateTracker interface {
	MarkProgress(ctx context.Context, userID, resource string, c models.Cursor) error
	MarkIdle(ctx context.Context, userID, resource string, c models.Cursor) error
}

// Enqueuer schedules follow-on jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, t models.JobType, p models.Payload) (string, error)
	HasOutstanding(ctx context.Context, userID, resource string) (bool, error)
}

// Engine runs the sync algorithms. One Engine is shared by the scheduler loop and the one-shot CLI.
type Engine struct {
	catalog services.Catalog
	tokens  services.Tokens
	store   CatalogStore
	state   StateTracker
	jobs    Enqueuer
	logger  *log.Logger
	fanout  int
}

// NewEngine creates a new [Engine] with the provided dependencies.
func NewEngine(catalog services.Catalog, tokens services.Tokens, store CatalogStore, state StateTracker, jobs Enqueuer, logger *log.Logger) *Engine {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Engine{
		catalog: catalog,
		tokens:  tokens,
		store:   store,
		state:   state,
		jobs:    jobs,
		logger:  logger,
		fanout:  DefaultFanout,
	}
}

// SetFanout overrides [DefaultFanout].
func (e *Engine) SetFanout(n int) {
	if n > 0 {
		e.fanout = n
	}
}

// Run decodes the job payload and dispatches to the algorithm for its type.
//
// Errors keep their upstream classification. An undecodable payload is fatal.
func (e *Engine) Run(ctx context.Context, job *models.Job, progress chan<- ProgressUpdate) (Result, error) {
	p, err := job.Decode()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", shared.ErrFatal, err)
	}

	logger := shared.WithLogger(e.logger, "user", job.UserID, "job", job.ID, "type", job.Type)

	var result Result
	switch payload := p.(type) {
	case models.TracksPayload:
		if job.Type == models.JobTracksIncremental {
			result, err = e.TracksIncremental(ctx, job.UserID, payload, progress)
		} else {
			result, err = e.TracksInitial(ctx, job.UserID, payload, progress)
		}
	case models.PlaylistsPayload:
		result, err = e.Playlists(ctx, job.UserID, payload, progress)
	case models.PlaylistItemsPayload:
		result, err = e.PlaylistItems(ctx, job.UserID, payload, progress)
	case models.BackfillPayload:
		if job.Type == models.JobCovers {
			result, err = e.Covers(ctx, job.UserID, payload, progress)
		} else {
			result, err = e.TrackMetadata(ctx, job.UserID, payload, progress)
		}
	default:
		return Result{}, fmt.Errorf("%w: %s", shared.ErrUnknownJobType, job.Type)
	}
	if err != nil {
		return result, err
	}

	logger.Debug("run finished", "done", result.Done, "items", result.Items)
	e.sendProgress(progress, finishedUpdate(job.Resource, result))
	return result, nil
}

// sendProgress sends a progress update through the channel without blocking.
// Uses select with default to ensure progress reporting never blocks execution.
func (e *Engine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func (e *Engine) token(ctx context.Context, userID string) (string, error) {
	return e.tokens.AccessToken(ctx, userID)
}
