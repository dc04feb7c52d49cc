package services

import (
	"context"

	"github.com/desertthunder/libsync/internal/models"
)

// Catalog is the set of upstream reads the sync algorithms depend on.
type Catalog interface {
	SavedTracks(ctx context.Context, token string, offset, limit int) (Page[models.SavedTrack], error)
	UserPlaylists(ctx context.Context, token string, offset, limit int) (Page[models.Playlist], error)
	PlaylistItems(ctx context.Context, token, playlistID string, offset, limit int) (Page[PlaylistEntry], error)
	SeveralTracks(ctx context.Context, token string, ids []string) ([]models.Track, error)
	Image(ctx context.Context, imageURL string) (models.Image, error)
}

// Tokens hands out access tokens for users.
type Tokens interface {
	AccessToken(ctx context.Context, userID string) (string, error)
	Invalidate(ctx context.Context, userID string)
}

// Page is one page of an offset-paginated listing.
//
// Received counts the raw upstream rows, which may exceed len(Items) when unusable rows were dropped. A page with
// Received == 0 is the terminal page.
type Page[T any] struct {
	Items    []T
	Total    int
	Offset   int
	Received int
	HasNext  bool
}

// Empty reports whether upstream returned no rows at all.
func (p Page[T]) Empty() bool { return p.Received == 0 }

func newPage[T any](total, offset int, hasNext bool, received int) Page[T] {
	return Page[T]{Total: total, Offset: offset, HasNext: hasNext, Received: received, Items: make([]T, 0, received)}
}

// PlaylistEntry is one row of a playlist listing. Track.ID is empty for rows without a playable track.
type PlaylistEntry struct {
	Track    models.Track
	Position int
	AddedAt  string
	AddedBy  string
}
