// Package models defines the domain types of the sync engine.
//
// The package contains three groups of types:
//
// 1. Queue types: [Job] with its [JobType] and [JobStatus], and the [Payload] tagged union carried by every job
//   - [TracksPayload] : tracks_initial and tracks_incremental
//   - [PlaylistsPayload] : playlists
//   - [PlaylistItemsPayload] : playlist_items
//   - [BackfillPayload] : track_metadata and covers
//
// 2. Progress types: [SyncState] records one row per (user, resource) and is the source of truth for "is sync
// running / how stale is it".
//
// 3. Catalog types: [Track], [Artist], [Playlist], [PlaylistItem] and [SavedTrack], the rows written by the sync
// algorithms. All of them are keyed by upstream identifiers so that every write can be an idempotent upsert.
package models
