package models

import (
	"strings"
	"time"
)

// Fixed sync resources. Playlist membership uses [PlaylistItemsResource].
const (
	ResourceTracks        = "tracks"
	ResourcePlaylists     = "playlists"
	ResourceTrackMetadata = "track_metadata"
	ResourceCovers        = "covers"

	playlistItemsPrefix = "playlist_items:"
)

// PlaylistItemsResource returns the resource key scoped to one playlist.
func PlaylistItemsResource(playlistID string) string {
	return playlistItemsPrefix + playlistID
}

// PlaylistIDFromResource extracts the playlist id from a playlist_items resource key.
func PlaylistIDFromResource(resource string) (string, bool) {
	id, ok := strings.CutPrefix(resource, playlistItemsPrefix)
	return id, ok && id != ""
}

// SyncStatus is the advisory lifecycle state of a (user, resource) pair.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncQueued  SyncStatus = "queued"
	SyncRunning SyncStatus = "running"
	SyncBackoff SyncStatus = "backoff"
	SyncError   SyncStatus = "error"
)

// Cursor is a resumption point: an offset/limit pair for list resources or the last seen id for backfills.
type Cursor struct {
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	ID     string `json:"id,omitempty"`
}

// SyncState is the per (user, resource) progress and health record.
type SyncState struct {
	UserID        string     `json:"userId"`
	Resource      string     `json:"resource"`
	Status        SyncStatus `json:"status"`
	Cursor        Cursor     `json:"cursor"`
	LastSuccessAt time.Time  `json:"lastSuccessAt,omitzero"`
	RetryAfterAt  time.Time  `json:"retryAfterAt,omitzero"`
	FailureCount  int        `json:"failureCount"`
	LastErrorCode string     `json:"lastErrorCode,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Stale reports whether the resource has not completed successfully within maxAge.
func (s SyncState) Stale(now time.Time, maxAge time.Duration) bool {
	return s.LastSuccessAt.IsZero() || now.Sub(s.LastSuccessAt) > maxAge
}

// Heartbeat is the liveness marker published by the scheduler loop.
type Heartbeat struct {
	WorkerID string    `json:"workerId"`
	BeatAt   time.Time `json:"beatAt"`
}

// Alive reports whether the heartbeat is no older than staleAfter.
func (h Heartbeat) Alive(now time.Time, staleAfter time.Duration) bool {
	return !h.BeatAt.IsZero() && now.Sub(h.BeatAt) <= staleAfter
}
