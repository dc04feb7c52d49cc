package tasks

import (
	"context"
	"fmt"

	"github.com/desertthunder/libsync/internal/metrics"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
	"golang.org/x/sync/errgroup"
)

// TracksInitial pages through the user's saved tracks from the payload offset until the first empty page.
//
// After each page is committed, covers of tracks on that page are downloaded on a best-effort basis.
func (e *Engine) TracksInitial(ctx context.Context, userID string, p models.TracksPayload, progress chan<- ProgressUpdate) (Result, error) {
	return e.pageTracks(ctx, userID, p, nil, progress)
}

// TracksIncremental pages through the saved tracks newest first and stops after the first page that holds nothing
// newer than the newest added_at already stored for the user.
func (e *Engine) TracksIncremental(ctx context.Context, userID string, p models.TracksPayload, progress chan<- ProgressUpdate) (Result, error) {
	if p.Offset == 0 && p.KnownAddedAt == 0 {
		known, err := e.store.MaxAddedAt(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		p.KnownAddedAt = shared.UnixMilli(known)
	}

	// A page whose rows were all dropped carries no dates and never counts as overlapping.
	overlaps := func(page []models.SavedTrack) bool {
		if p.KnownAddedAt == 0 || len(page) == 0 {
			return false
		}
		for _, saved := range page {
			if shared.UnixMilli(saved.AddedAt) > p.KnownAddedAt {
				return false
			}
		}
		return true
	}
	return e.pageTracks(ctx, userID, p, overlaps, progress)
}

// pageTracks is the saved-tracks page loop. A non-nil overlaps ends the run after the first page it reports.
func (e *Engine) pageTracks(ctx context.Context, userID string, p models.TracksPayload, overlaps func([]models.SavedTrack) bool, progress chan<- ProgressUpdate) (Result, error) {
	var (
		result Result
		offset = p.Offset
	)

	for page := 1; page <= p.MaxPagesPerRun; page++ {
		token, err := e.token(ctx, userID)
		if err != nil {
			return result, err
		}

		tracks, err := e.catalog.SavedTracks(ctx, token, offset, p.Limit)
		if err != nil {
			return result, err
		}

		if tracks.Empty() {
			return e.finish(ctx, userID, models.ResourceTracks, models.Cursor{Offset: offset, Limit: p.Limit}, result)
		}

		if err := e.store.SaveTrackPage(ctx, userID, tracks.Items); err != nil {
			return result, err
		}
		offset += tracks.Received
		result.Items += len(tracks.Items)
		metrics.RecordItems(models.ResourceTracks, len(tracks.Items))

		cursor := models.Cursor{Offset: offset, Limit: p.Limit}
		if err := e.state.MarkProgress(ctx, userID, models.ResourceTracks, cursor); err != nil {
			return result, err
		}
		e.sendProgress(progress, pageUpdate(FetchTracks, page, p.MaxPagesPerRun, offset, len(tracks.Items)))

		if overlaps == nil {
			e.fetchPageCovers(ctx, tracks.Items)
		} else if overlaps(tracks.Items) {
			e.sendProgress(progress, overlapUpdate(page, p.MaxPagesPerRun, offset))
			return e.finish(ctx, userID, models.ResourceTracks, cursor, result)
		}
	}

	next := p
	next.Offset = offset
	result.Next = next
	return result, nil
}

// fetchPageCovers downloads missing covers for the tracks of one page. Failures are logged and skipped.
func (e *Engine) fetchPageCovers(ctx context.Context, page []models.SavedTrack) {
	ids := make([]string, 0, len(page))
	for _, saved := range page {
		if saved.Track.ImageURL != "" {
			ids = append(ids, saved.Track.ID)
		}
	}

	candidates, err := e.store.MissingCovers(ctx, ids)
	if err != nil {
		e.logger.Warn("failed to list missing covers", "error", err)
		return
	}

	fetched := e.downloadCovers(ctx, candidates)
	metrics.RecordItems(models.ResourceCovers, fetched)
}

// finish marks the resource idle at cursor and reports completion.
func (e *Engine) finish(ctx context.Context, userID, resource string, cursor models.Cursor, result Result) (Result, error) {
	if err := e.state.MarkIdle(ctx, userID, resource, cursor); err != nil {
		return result, fmt.Errorf("failed to mark %s idle: %w", resource, err)
	}
	result.Done = true
	return result, nil
}

// fanOut runs fn over items with at most limit calls in flight, stopping at the first error.
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, i int, item T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() error {
			return fn(ctx, i, item)
		})
	}
	return g.Wait()
}
