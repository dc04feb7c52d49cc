package tasks

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/desertthunder/libsync/internal/metrics"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/repositories"
	"github.com/desertthunder/libsync/internal/services"
)

// TrackMetadata fills in album linkage for tracks written from partial records.
//
// Each batch selects up to p.Limit candidates after the cursor, looks them up in chunks of
// [services.MaxSeveralTracks] concurrently, and upserts the results in one transaction. The cursor moves to the last
// candidate of the batch whether or not upstream resolved it, so unresolvable tracks cannot stall the run. Tracks the
// lookup could not link to an album are marked checked and drop out of later passes.
func (e *Engine) TrackMetadata(ctx context.Context, userID string, p models.BackfillPayload, progress chan<- ProgressUpdate) (Result, error) {
	var (
		result Result
		cursor = p.Cursor
	)

	for batch := 1; batch <= p.MaxBatches; batch++ {
		ids, err := e.store.TracksMissingMetadata(ctx, cursor, p.Limit)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			return e.finish(ctx, userID, models.ResourceTrackMetadata, models.Cursor{ID: cursor, Limit: p.Limit}, result)
		}

		token, err := e.token(ctx, userID)
		if err != nil {
			return result, err
		}

		chunks := chunk(ids, services.MaxSeveralTracks)
		found := make([][]models.Track, len(chunks))
		err = fanOut(ctx, e.fanout, chunks, func(ctx context.Context, i int, ids []string) error {
			tracks, err := e.catalog.SeveralTracks(ctx, token, ids)
			found[i] = tracks
			return err
		})
		if err != nil {
			return result, err
		}

		var tracks []models.Track
		linked := make(map[string]bool, len(ids))
		for _, f := range found {
			tracks = append(tracks, f...)
			for _, t := range f {
				if t.AlbumID != "" {
					linked[t.ID] = true
				}
			}
		}
		if err := e.store.SaveTrackMetadata(ctx, tracks); err != nil {
			return result, err
		}

		var unresolved []string
		for _, id := range ids {
			if !linked[id] {
				unresolved = append(unresolved, id)
			}
		}
		if err := e.store.MarkMetadataChecked(ctx, unresolved); err != nil {
			return result, err
		}

		cursor = ids[len(ids)-1]
		result.Items += len(tracks)
		metrics.RecordItems(models.ResourceTrackMetadata, len(tracks))

		if err := e.state.MarkProgress(ctx, userID, models.ResourceTrackMetadata, models.Cursor{ID: cursor, Limit: p.Limit}); err != nil {
			return result, err
		}
		e.sendProgress(progress, batchUpdate(FetchMetadata, batch, p.MaxBatches, cursor, len(tracks)))
	}

	next := p
	next.Cursor = cursor
	result.Next = next
	return result, nil
}

// Covers downloads cover images for tracks that have an image url but no cached image.
//
// A failed download is skipped; the track stays a candidate for the next pass.
func (e *Engine) Covers(ctx context.Context, userID string, p models.BackfillPayload, progress chan<- ProgressUpdate) (Result, error) {
	var (
		result Result
		cursor = p.Cursor
	)

	for batch := 1; batch <= p.MaxBatches; batch++ {
		candidates, err := e.store.TracksMissingCovers(ctx, cursor, p.Limit)
		if err != nil {
			return result, err
		}
		if len(candidates) == 0 {
			return e.finish(ctx, userID, models.ResourceCovers, models.Cursor{ID: cursor, Limit: p.Limit}, result)
		}

		fetched := e.downloadCovers(ctx, candidates)
		if err := ctx.Err(); err != nil {
			return result, err
		}

		cursor = candidates[len(candidates)-1].TrackID
		result.Items += fetched
		metrics.RecordItems(models.ResourceCovers, fetched)

		if err := e.state.MarkProgress(ctx, userID, models.ResourceCovers, models.Cursor{ID: cursor, Limit: p.Limit}); err != nil {
			return result, err
		}
		e.sendProgress(progress, batchUpdate(FetchCovers, batch, p.MaxBatches, cursor, fetched))
	}

	next := p
	next.Cursor = cursor
	result.Next = next
	return result, nil
}

// downloadCovers fetches and stores each candidate's image concurrently and returns the number stored.
func (e *Engine) downloadCovers(ctx context.Context, candidates []repositories.CoverCandidate) int {
	var stored atomic.Int64

	fanOut(ctx, e.fanout, candidates, func(ctx context.Context, _ int, c repositories.CoverCandidate) error {
		img, err := e.catalog.Image(ctx, c.ImageURL)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Debug("skipping cover", "track", c.TrackID, "error", err)
			}
			return nil
		}
		if err := e.store.SaveCover(ctx, c.TrackID, img); err != nil {
			e.logger.Warn("failed to store cover", "track", c.TrackID, "error", err)
			return nil
		}
		stored.Add(1)
		return nil
	})

	return int(stored.Load())
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
