// Package repositories implements SQLite persistence for the sync engine.
//
// Key Implementations:
//   - [JobRepository] : durable job queue with an atomic conditional claim
//   - [SyncStateRepository] : per (user, resource) progress tracker read by the status views
//   - [CatalogRepository] : idempotent upserts of tracks, artists, playlists and playlist membership
//   - [CredentialRepository] : encrypted refresh credentials and cached access tokens
//   - [UserRepository] : users known to the scheduler
//   - [HeartbeatRepository] : single-row liveness marker
//
// Every catalog write is an INSERT … ON CONFLICT DO UPDATE keyed by upstream identifiers, so replaying a page after
// a crash converges to the same state. Multi-row writes for one page run inside a single transaction.
//
// Scheduling instants are stored as INTEGER Unix milliseconds so that queue ordering and eligibility checks compare
// numbers rather than formatted strings.
package repositories
