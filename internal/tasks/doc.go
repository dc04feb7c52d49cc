// Package tasks runs the resource sync algorithms with real-time progress reporting.
//
// # Algorithms
//
// [Engine] implements one algorithm per resource family:
//
//  1. [Engine.TracksInitial] : offset pagination over saved tracks until the first empty page
//     - Writes tracks, artists, credits and the user's library rows one page per transaction
//     - Downloads missing covers for each page on a best-effort basis
//
//  2. [Engine.TracksIncremental] : the same page loop, newest first
//     - Stops after the first page holding nothing newer than the newest stored added_at
//
//  3. [Engine.Playlists] : offset pagination over the user's playlists
//     - Queues a playlist_items job with a fresh run id for every playlist whose snapshot changed
//
//  4. [Engine.PlaylistItems] : offset pagination within one playlist
//     - Tags rows with the run id and deletes rows of older runs on the terminal page
//
//  5. [Engine.TrackMetadata] : id-cursor backfill of album linkage via several-tracks lookups
//
//  6. [Engine.Covers] : id-cursor backfill of cover images; failed downloads are skipped
//
// Every run is bounded by a page or batch budget from its payload and returns a [Result] that is either done or
// carries the continuation payload. Cursors only advance after the page's transaction commits, so a crash re-fetches
// at most one page and the upserts make that harmless.
//
// # Progress Reporting
//
// All runs use non-blocking channels for progress updates.
// The [ProgressUpdate] struct contains phase, step counters, messages, and optional data.
// Updates use select with default to prevent blocking.
package tasks
