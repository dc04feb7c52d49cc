package models

import (
	"fmt"

	"github.com/desertthunder/libsync/internal/shared"
	"github.com/goccy/go-json"
)

// MaxPageLimit is the largest page size the catalog accepts for list endpoints.
const MaxPageLimit = 50

// Payload is the typed, per-[JobType] input of a job.
//
// The interface is sealed: the only implementations are the payload structs in this package.
type Payload interface {
	Validate() error
	resourceKey(t JobType) string
}

// TracksPayload drives tracks_initial and tracks_incremental jobs.
//
// KnownAddedAt (unix ms) is the newest added_at stored when an incremental pass started. Continuations carry it so
// that pages written earlier in the same pass do not count as overlap.
type TracksPayload struct {
	Offset         int   `json:"offset,omitempty"`
	Limit          int   `json:"limit"`
	MaxPagesPerRun int   `json:"maxPagesPerRun"`
	KnownAddedAt   int64 `json:"knownAddedAt,omitempty"`
}

// PlaylistsPayload drives playlists jobs.
type PlaylistsPayload struct {
	Offset         int `json:"offset"`
	Limit          int `json:"limit"`
	MaxPagesPerRun int `json:"maxPagesPerRun"`
}

// PlaylistItemsPayload drives playlist_items jobs. RunID tags every row written during one full pass.
type PlaylistItemsPayload struct {
	PlaylistID     string `json:"playlistId"`
	SnapshotID     string `json:"snapshotId"`
	Offset         int    `json:"offset"`
	Limit          int    `json:"limit"`
	MaxPagesPerRun int    `json:"maxPagesPerRun"`
	RunID          string `json:"runId"`
}

// BackfillPayload drives track_metadata and covers jobs. Cursor is the last processed track id.
type BackfillPayload struct {
	Cursor     string `json:"cursor"`
	Limit      int    `json:"limit"`
	MaxBatches int    `json:"maxBatches"`
}

func validatePage(offset, limit, maxPages int) error {
	switch {
	case offset < 0:
		return fmt.Errorf("%w: offset must not be negative", shared.ErrInvalidPayload)
	case limit < 1 || limit > MaxPageLimit:
		return fmt.Errorf("%w: limit must be between 1 and %d", shared.ErrInvalidPayload, MaxPageLimit)
	case maxPages < 1:
		return fmt.Errorf("%w: maxPagesPerRun must be positive", shared.ErrInvalidPayload)
	}
	return nil
}

func (p TracksPayload) Validate() error { return validatePage(p.Offset, p.Limit, p.MaxPagesPerRun) }

func (p PlaylistsPayload) Validate() error { return validatePage(p.Offset, p.Limit, p.MaxPagesPerRun) }

func (p PlaylistItemsPayload) Validate() error {
	if p.PlaylistID == "" {
		return fmt.Errorf("%w: playlistId is required", shared.ErrInvalidPayload)
	}
	if p.RunID == "" {
		return fmt.Errorf("%w: runId is required", shared.ErrInvalidPayload)
	}
	return validatePage(p.Offset, p.Limit, p.MaxPagesPerRun)
}

func (p BackfillPayload) Validate() error {
	if p.Limit < 1 {
		return fmt.Errorf("%w: limit must be positive", shared.ErrInvalidPayload)
	}
	if p.MaxBatches < 1 {
		return fmt.Errorf("%w: maxBatches must be positive", shared.ErrInvalidPayload)
	}
	return nil
}

func (TracksPayload) resourceKey(JobType) string    { return ResourceTracks }
func (PlaylistsPayload) resourceKey(JobType) string { return ResourcePlaylists }

func (p PlaylistItemsPayload) resourceKey(JobType) string { return PlaylistItemsResource(p.PlaylistID) }

func (BackfillPayload) resourceKey(t JobType) string {
	if t == JobCovers {
		return ResourceCovers
	}
	return ResourceTrackMetadata
}

// ResourceKey returns the [SyncState] resource a job of type t with payload p reports to.
func ResourceKey(t JobType, p Payload) string {
	return p.resourceKey(t)
}

// DecodePayload decodes raw into the payload variant for t and validates it.
func DecodePayload(t JobType, raw []byte) (Payload, error) {
	var p Payload
	var err error

	switch t {
	case JobTracksInitial, JobTracksIncremental:
		p, err = decodeAs[TracksPayload](raw)
	case JobPlaylists:
		p, err = decodeAs[PlaylistsPayload](raw)
	case JobPlaylistItems:
		p, err = decodeAs[PlaylistItemsPayload](raw)
	case JobTrackMetadata, JobCovers:
		p, err = decodeAs[BackfillPayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", shared.ErrUnknownJobType, t)
	}
	if err != nil {
		return nil, err
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", shared.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrInvalidPayload, err)
	}
	return v, nil
}

// EncodePayload validates p and returns its JSON form.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", shared.ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// PayloadMatches reports whether p is a legal payload variant for t.
func PayloadMatches(t JobType, p Payload) bool {
	switch p.(type) {
	case TracksPayload:
		return t == JobTracksInitial || t == JobTracksIncremental
	case PlaylistsPayload:
		return t == JobPlaylists
	case PlaylistItemsPayload:
		return t == JobPlaylistItems
	case BackfillPayload:
		return t == JobTrackMetadata || t == JobCovers
	}
	return false
}
