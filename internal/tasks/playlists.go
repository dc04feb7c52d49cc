package tasks

import (
	"context"
	"fmt"

	"github.com/desertthunder/libsync/internal/metrics"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// Playlists pages through the user's playlists and queues a membership sync for every playlist whose upstream
// snapshot differs from the last synced one.
//
// A playlist that already has a queued or running membership job is left alone; that job will pick up the newer
// snapshot's items and a later pass will notice any remaining drift.
func (e *Engine) Playlists(ctx context.Context, userID string, p models.PlaylistsPayload, progress chan<- ProgressUpdate) (Result, error) {
	var (
		result Result
		offset = p.Offset
	)

	for page := 1; page <= p.MaxPagesPerRun; page++ {
		token, err := e.token(ctx, userID)
		if err != nil {
			return result, err
		}

		playlists, err := e.catalog.UserPlaylists(ctx, token, offset, p.Limit)
		if err != nil {
			return result, err
		}

		if playlists.Empty() {
			return e.finish(ctx, userID, models.ResourcePlaylists, models.Cursor{Offset: offset, Limit: p.Limit}, result)
		}

		changed, err := e.changedPlaylists(ctx, userID, playlists.Items)
		if err != nil {
			return result, err
		}

		if err := e.store.SavePlaylistPage(ctx, userID, offset, playlists.Items); err != nil {
			return result, err
		}
		offset += playlists.Received
		result.Items += len(playlists.Items)
		metrics.RecordItems(models.ResourcePlaylists, len(playlists.Items))

		for _, pl := range changed {
			items := models.PlaylistItemsPayload{
				PlaylistID:     pl.ID,
				SnapshotID:     pl.SnapshotID,
				Limit:          p.Limit,
				MaxPagesPerRun: p.MaxPagesPerRun,
				RunID:          shared.GenerateID(),
			}
			if _, err := e.jobs.Enqueue(ctx, userID, models.JobPlaylistItems, items); err != nil {
				return result, fmt.Errorf("failed to queue items of playlist %s: %w", pl.ID, err)
			}
			e.sendProgress(progress, enqueuedItemsUpdate(page, p.MaxPagesPerRun, pl))
		}

		if err := e.state.MarkProgress(ctx, userID, models.ResourcePlaylists, models.Cursor{Offset: offset, Limit: p.Limit}); err != nil {
			return result, err
		}
		e.sendProgress(progress, pageUpdate(FetchPlaylists, page, p.MaxPagesPerRun, offset, len(playlists.Items)))
	}

	next := p
	next.Offset = offset
	result.Next = next
	return result, nil
}

// changedPlaylists returns the playlists whose snapshot differs from the synced one and that have no membership
// job outstanding.
func (e *Engine) changedPlaylists(ctx context.Context, userID string, page []models.Playlist) ([]models.Playlist, error) {
	var changed []models.Playlist
	for _, pl := range page {
		synced, err := e.store.SyncedSnapshot(ctx, pl.ID)
		if err != nil {
			return nil, err
		}
		if synced != "" && synced == pl.SnapshotID {
			continue
		}

		outstanding, err := e.jobs.HasOutstanding(ctx, userID, models.PlaylistItemsResource(pl.ID))
		if err != nil {
			return nil, err
		}
		if !outstanding {
			changed = append(changed, pl)
		}
	}
	return changed, nil
}

// PlaylistItems pages through one playlist's membership, tagging every row with the run id. On the terminal page,
// rows left over from earlier runs are deleted and the run's snapshot is recorded as synced.
//
// Rows without a playable track are skipped but still count toward positions and offsets.
func (e *Engine) PlaylistItems(ctx context.Context, userID string, p models.PlaylistItemsPayload, progress chan<- ProgressUpdate) (Result, error) {
	var (
		result   Result
		offset   = p.Offset
		resource = models.PlaylistItemsResource(p.PlaylistID)
	)

	for page := 1; page <= p.MaxPagesPerRun; page++ {
		token, err := e.token(ctx, userID)
		if err != nil {
			return result, err
		}

		entries, err := e.catalog.PlaylistItems(ctx, token, p.PlaylistID, offset, p.Limit)
		if err != nil {
			return result, err
		}

		if entries.Empty() {
			removed, err := e.store.FinishPlaylistRun(ctx, p.PlaylistID, p.RunID, p.SnapshotID)
			if err != nil {
				return result, err
			}
			e.sendProgress(progress, reconcileUpdate(p.PlaylistID, removed))
			return e.finish(ctx, userID, resource, models.Cursor{Offset: offset, Limit: p.Limit}, result)
		}

		items := make([]models.PlaylistItem, 0, len(entries.Items))
		for _, entry := range entries.Items {
			if entry.Track.ID == "" {
				continue
			}
			items = append(items, models.PlaylistItem{
				ID:         models.PlaylistItemID(p.PlaylistID, entry.Track.ID, entry.AddedAt, entry.AddedBy, entry.Position, p.SnapshotID),
				PlaylistID: p.PlaylistID,
				Track:      entry.Track,
				Position:   entry.Position,
				AddedAt:    entry.AddedAt,
				AddedBy:    entry.AddedBy,
				SnapshotID: p.SnapshotID,
				RunID:      p.RunID,
			})
		}

		if err := e.store.SavePlaylistItemsPage(ctx, p.PlaylistID, items); err != nil {
			return result, err
		}
		offset += entries.Received
		result.Items += len(items)
		metrics.RecordItems("playlist_items", len(items))

		if err := e.state.MarkProgress(ctx, userID, resource, models.Cursor{Offset: offset, Limit: p.Limit}); err != nil {
			return result, err
		}
		e.sendProgress(progress, pageUpdate(FetchPlaylistItems, page, p.MaxPagesPerRun, offset, len(items)))
	}

	next := p
	next.Offset = offset
	result.Next = next
	return result, nil
}
