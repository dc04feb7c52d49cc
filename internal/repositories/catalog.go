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

// CatalogRepository mirrors upstream catalog entities into the local store.
//
// Every write is an upsert keyed by upstream ids and every page is written in one transaction, so replaying a page
// leaves the store unchanged.
type CatalogRepository struct {
	db  *sql.DB
	now Clock
}

// NewCatalogRepository creates a new [CatalogRepository] with the given database connection
func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db, now: utcNow}
}

// SetClock overrides the clock used for updated_at.
func (r *CatalogRepository) SetClock(c Clock) { r.now = c }

// CoverCandidate is a track whose cover image has not been downloaded yet.
type CoverCandidate struct {
	TrackID  string
	ImageURL string
}

// SaveTrackPage writes one page of a user's saved tracks.
func (r *CatalogRepository) SaveTrackPage(ctx context.Context, userID string, page []models.SavedTrack) error {
	now := shared.UnixMilli(r.now())

	return shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, saved := range page {
			if err := upsertTrack(ctx, tx, saved.Track, now); err != nil {
				return err
			}

			query := `
				INSERT INTO user_tracks (user_id, track_id, added_at) VALUES (?, ?, ?)
				ON CONFLICT(user_id, track_id) DO UPDATE SET added_at = excluded.added_at
			`
			if _, err := tx.ExecContext(ctx, query, userID, saved.Track.ID, shared.UnixMilli(saved.AddedAt)); err != nil {
				return fmt.Errorf("failed to upsert user track %s: %w", saved.Track.ID, err)
			}
		}
		return nil
	})
}

// MaxAddedAt returns the newest added_at among the user's saved tracks, or the zero time when there are none.
func (r *CatalogRepository) MaxAddedAt(ctx context.Context, userID string) (time.Time, error) {
	var ms sql.NullInt64
	query := `SELECT MAX(added_at) FROM user_tracks WHERE user_id = ?`
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("failed to query max added_at: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return shared.FromUnixMilli(ms.Int64), nil
}

// CountUserTracks returns the number of saved tracks stored for a user.
func (r *CatalogRepository) CountUserTracks(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_tracks WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count user tracks: %w", err)
	}
	return n, nil
}

// SavePlaylistPage writes one page of the user's playlists. Positions are offset-relative.
//
// The synced snapshot of an existing playlist is left untouched: only a completed playlist-items run moves it.
func (r *CatalogRepository) SavePlaylistPage(ctx context.Context, userID string, offset int, page []models.Playlist) error {
	now := shared.UnixMilli(r.now())

	return shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		for i, p := range page {
			query := `
				INSERT INTO playlists (id, name, description, owner_id, public, snapshot_id, track_total, image_url, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					owner_id = excluded.owner_id,
					public = excluded.public,
					snapshot_id = excluded.snapshot_id,
					track_total = excluded.track_total,
					image_url = CASE WHEN excluded.image_url <> '' THEN excluded.image_url ELSE playlists.image_url END,
					updated_at = excluded.updated_at
			`
			_, err := tx.ExecContext(ctx, query, p.ID, p.Name, p.Description, p.OwnerID, boolToInt(p.Public),
				p.SnapshotID, p.TrackTotal, p.ImageURL, now)
			if err != nil {
				return fmt.Errorf("failed to upsert playlist %s: %w", p.ID, err)
			}

			query = `
				INSERT INTO user_playlists (user_id, playlist_id, position) VALUES (?, ?, ?)
				ON CONFLICT(user_id, playlist_id) DO UPDATE SET position = excluded.position
			`
			if _, err := tx.ExecContext(ctx, query, userID, p.ID, offset+i); err != nil {
				return fmt.Errorf("failed to upsert user playlist %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// SyncedSnapshot returns the snapshot id of the last completed membership sync of a playlist.
//
// An unknown playlist yields "".
func (r *CatalogRepository) SyncedSnapshot(ctx context.Context, playlistID string) (string, error) {
	var snapshot string
	err := r.db.QueryRowContext(ctx, `SELECT synced_snapshot_id FROM playlists WHERE id = ?`, playlistID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get synced snapshot: %w", err)
	}
	return snapshot, nil
}

// SavePlaylistItemsPage writes one page of playlist membership tagged with its run id.
//
// Items carry partial tracks: known album and image fields are kept.
func (r *CatalogRepository) SavePlaylistItemsPage(ctx context.Context, playlistID string, items []models.PlaylistItem) error {
	now := shared.UnixMilli(r.now())

	return shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		stub := `INSERT OR IGNORE INTO playlists (id, updated_at) VALUES (?, ?)`
		if _, err := tx.ExecContext(ctx, stub, playlistID, now); err != nil {
			return fmt.Errorf("failed to ensure playlist %s: %w", playlistID, err)
		}

		for _, item := range items {
			if err := upsertTrack(ctx, tx, item.Track, now); err != nil {
				return err
			}

			query := `
				INSERT INTO playlist_items (id, playlist_id, track_id, position, added_at, added_by, snapshot_id, run_id, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					position = excluded.position,
					run_id = excluded.run_id,
					updated_at = excluded.updated_at
			`
			_, err := tx.ExecContext(ctx, query, item.ID, playlistID, item.Track.ID, item.Position, item.AddedAt,
				item.AddedBy, item.SnapshotID, item.RunID, now)
			if err != nil {
				return fmt.Errorf("failed to upsert playlist item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

// FinishPlaylistRun removes membership rows not written by runID and records snapshotID as synced.
//
// Returns the number of removed rows.
func (r *CatalogRepository) FinishPlaylistRun(ctx context.Context, playlistID, runID, snapshotID string) (int64, error) {
	var removed int64
	err := shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM playlist_items WHERE playlist_id = ? AND run_id <> ?`, playlistID, runID)
		if err != nil {
			return fmt.Errorf("failed to prune playlist items: %w", err)
		}
		if removed, err = result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}

		query := `
			UPDATE playlists SET
				synced_snapshot_id = ?,
				snapshot_id = CASE WHEN snapshot_id = '' THEN ? ELSE snapshot_id END,
				updated_at = ?
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, query, snapshotID, snapshotID, shared.UnixMilli(r.now()), playlistID); err != nil {
			return fmt.Errorf("failed to store synced snapshot: %w", err)
		}
		return nil
	})
	return removed, err
}

// PlaylistItems returns the stored membership of a playlist ordered by position.
func (r *CatalogRepository) PlaylistItems(ctx context.Context, playlistID string) ([]models.PlaylistItem, error) {
	query := `
		SELECT id, playlist_id, track_id, position, added_at, added_by, snapshot_id, run_id
		FROM playlist_items WHERE playlist_id = ? ORDER BY position ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, playlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to query playlist items: %w", err)
	}
	defer rows.Close()

	var items []models.PlaylistItem
	for rows.Next() {
		var item models.PlaylistItem
		err := rows.Scan(&item.ID, &item.PlaylistID, &item.Track.ID, &item.Position, &item.AddedAt, &item.AddedBy,
			&item.SnapshotID, &item.RunID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playlist item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

// TracksMissingMetadata returns up to limit track ids greater than cursor that lack album linkage.
//
// Tracks already marked by [CatalogRepository.MarkMetadataChecked] are skipped.
func (r *CatalogRepository) TracksMissingMetadata(ctx context.Context, cursor string, limit int) ([]string, error) {
	query := `SELECT id FROM tracks WHERE id > ? AND album_id = '' AND metadata_checked_at = 0 ORDER BY id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan track id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}

// SaveTrackMetadata upserts full track records returned by a lookup.
func (r *CatalogRepository) SaveTrackMetadata(ctx context.Context, tracks []models.Track) error {
	now := shared.UnixMilli(r.now())

	return shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, t := range tracks {
			if err := upsertTrack(ctx, tx, t, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkMetadataChecked records that a lookup could not resolve album linkage for the given tracks.
func (r *CatalogRepository) MarkMetadataChecked(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := shared.UnixMilli(r.now())

	return shared.InTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE tracks SET metadata_checked_at = ? WHERE id = ?`, now, id); err != nil {
				return fmt.Errorf("failed to mark track %s checked: %w", id, err)
			}
		}
		return nil
	})
}

// TracksMissingCovers returns up to limit tracks after cursor that have an image url but no cached image.
func (r *CatalogRepository) TracksMissingCovers(ctx context.Context, cursor string, limit int) ([]CoverCandidate, error) {
	query := `
		SELECT id, image_url FROM tracks
		WHERE id > ? AND image_url <> '' AND image_data IS NULL
		ORDER BY id ASC LIMIT ?
	`
	return r.queryCovers(ctx, query, cursor, limit)
}

// MissingCovers narrows ids to the tracks that still need a cover download.
func (r *CatalogRepository) MissingCovers(ctx context.Context, ids []string) ([]CoverCandidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `
		SELECT id, image_url FROM tracks
		WHERE id IN (` + placeholders(len(ids)) + `) AND image_url <> '' AND image_data IS NULL
		ORDER BY id ASC
	`
	return r.queryCovers(ctx, query, args...)
}

func (r *CatalogRepository) queryCovers(ctx context.Context, query string, args ...any) ([]CoverCandidate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cover candidates: %w", err)
	}
	defer rows.Close()

	var out []CoverCandidate
	for rows.Next() {
		var c CoverCandidate
		if err := rows.Scan(&c.TrackID, &c.ImageURL); err != nil {
			return nil, fmt.Errorf("failed to scan cover candidate: %w", err)
		}
		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// SaveCover stores downloaded image bytes for a track.
func (r *CatalogRepository) SaveCover(ctx context.Context, trackID string, img models.Image) error {
	query := `UPDATE tracks SET image_data = ?, image_mime = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, img.Data, img.MIMEType, shared.UnixMilli(r.now()), trackID)
	if err != nil {
		return fmt.Errorf("failed to save cover: %w", err)
	}
	return expectOne(result, shared.ErrUnknownResource, trackID)
}

// GetTrack returns a stored track with its artists in credit order.
func (r *CatalogRepository) GetTrack(ctx context.Context, id string) (*models.Track, error) {
	query := `
		SELECT id, name, album_id, album_name, duration_ms, isrc, explicit, popularity, image_url
		FROM tracks WHERE id = ?
	`

	var t models.Track
	err := r.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.AlbumID, &t.AlbumName, &t.DurationMS,
		&t.ISRC, &t.Explicit, &t.Popularity, &t.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: track %s", shared.ErrUnknownResource, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}

	query = `
		SELECT a.id, a.name FROM track_artists ta
		JOIN artists a ON a.id = ta.artist_id
		WHERE ta.track_id = ? ORDER BY ta.position ASC
	`
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query track artists: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Artist
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, fmt.Errorf("failed to scan artist: %w", err)
		}
		t.Artists = append(t.Artists, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return &t, nil
}

// upsertTrack writes a track and its artist credits.
//
// Empty album, image and isrc fields never overwrite stored values, and a changed image url drops the cached image.
func upsertTrack(ctx context.Context, q queryer, t models.Track, now int64) error {
	if t.ID == "" {
		return fmt.Errorf("%w: track without id", shared.ErrInvalidInput)
	}

	query := `
		INSERT INTO tracks (id, name, album_id, album_name, duration_ms, isrc, explicit, popularity, image_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE tracks.name END,
			album_id = CASE WHEN excluded.album_id <> '' THEN excluded.album_id ELSE tracks.album_id END,
			album_name = CASE WHEN excluded.album_name <> '' THEN excluded.album_name ELSE tracks.album_name END,
			duration_ms = CASE WHEN excluded.duration_ms > 0 THEN excluded.duration_ms ELSE tracks.duration_ms END,
			isrc = CASE WHEN excluded.isrc <> '' THEN excluded.isrc ELSE tracks.isrc END,
			explicit = excluded.explicit,
			popularity = excluded.popularity,
			image_data = CASE
				WHEN excluded.image_url <> '' AND excluded.image_url <> tracks.image_url THEN NULL
				ELSE tracks.image_data END,
			image_mime = CASE
				WHEN excluded.image_url <> '' AND excluded.image_url <> tracks.image_url THEN ''
				ELSE tracks.image_mime END,
			image_url = CASE WHEN excluded.image_url <> '' THEN excluded.image_url ELSE tracks.image_url END,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query, t.ID, t.Name, t.AlbumID, t.AlbumName, t.DurationMS, t.ISRC,
		boolToInt(t.Explicit), t.Popularity, t.ImageURL, now)
	if err != nil {
		return fmt.Errorf("failed to upsert track %s: %w", t.ID, err)
	}

	if len(t.Artists) == 0 {
		return nil
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM track_artists WHERE track_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to clear track artists: %w", err)
	}

	for i, a := range t.Artists {
		if a.ID == "" {
			continue
		}

		query := `
			INSERT INTO artists (id, name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE artists.name END,
				updated_at = excluded.updated_at
		`
		if _, err := q.ExecContext(ctx, query, a.ID, a.Name, now); err != nil {
			return fmt.Errorf("failed to upsert artist %s: %w", a.ID, err)
		}

		query = `INSERT OR IGNORE INTO track_artists (track_id, artist_id, position) VALUES (?, ?, ?)`
		if _, err := q.ExecContext(ctx, query, t.ID, a.ID, i); err != nil {
			return fmt.Errorf("failed to link artist %s: %w", a.ID, err)
		}
	}
	return nil
}
