package services

// Catalog API implementation over the Spotify Web API.
// Response types based on https://developer.spotify.com/documentation/web-api/reference/

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// MaxSeveralTracks is the largest id batch accepted by the several-tracks endpoint.
const MaxSeveralTracks = 50

// playlistItemFields omits album data; albums are filled in later by the metadata backfill.
const playlistItemFields = "items(added_at,added_by.id,track(id,name,duration_ms,explicit,popularity,is_local," +
	"external_ids.isrc,artists(id,name))),total,limit,offset,next"

// SpotifyUser represents a Spotify user profile.
type SpotifyUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// SpotifyImage represents an image resource.
type SpotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

type externalIDs struct {
	ISRC string `json:"isrc"`
}

// SpotifyTrack represents a Spotify track.
type SpotifyTrack struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Artists     []SpotifyArtist `json:"artists"`
	Album       SpotifyAlbum    `json:"album"`
	DurationMS  int             `json:"duration_ms"`
	Explicit    bool            `json:"explicit"`
	ExternalIDs externalIDs     `json:"external_ids"`
	Popularity  int             `json:"popularity"`
	IsLocal     bool            `json:"is_local"`
}

// SpotifyArtist represents a Spotify artist.
type SpotifyArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SpotifyAlbum represents a Spotify album.
type SpotifyAlbum struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Images []SpotifyImage `json:"images"`
}

type owner struct {
	ID string `json:"id"`
}

type simplePlaylistTrack struct {
	Total int `json:"total"`
}

// SpotifySimplePlaylist represents a simplified playlist object (used in lists).
type SpotifySimplePlaylist struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Owner       owner               `json:"owner"`
	Public      bool                `json:"public"`
	SnapshotID  string              `json:"snapshot_id"`
	Tracks      simplePlaylistTrack `json:"tracks"`
	Images      []SpotifyImage      `json:"images"`
}

// SpotifySavedTrack represents a track saved in the user's library.
type SpotifySavedTrack struct {
	AddedAt string       `json:"added_at"`
	Track   SpotifyTrack `json:"track"`
}

// SpotifyPlaylistTrack represents a track within a playlist context. Track is nil for removed or unavailable items.
type SpotifyPlaylistTrack struct {
	AddedAt string        `json:"added_at"`
	AddedBy *owner        `json:"added_by"`
	Track   *SpotifyTrack `json:"track"`
}

// SpotifyPaging is the common paginated envelope.
type SpotifyPaging[T any] struct {
	Items  []T     `json:"items"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
	Next   *string `json:"next"`
}

// SpotifyCatalog implements [Catalog] against the Spotify Web API.
type SpotifyCatalog struct {
	client *Client
}

// NewSpotifyCatalog creates a [SpotifyCatalog] on top of client.
func NewSpotifyCatalog(client *Client) *SpotifyCatalog {
	return &SpotifyCatalog{client: client}
}

// Me retrieves the profile of the token owner.
func (s *SpotifyCatalog) Me(ctx context.Context, token string) (*models.User, error) {
	var user SpotifyUser
	if err := s.client.GetJSON(ctx, token, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &models.User{ID: user.ID, DisplayName: user.DisplayName}, nil
}

// SavedTracks retrieves one page of the user's saved tracks.
func (s *SpotifyCatalog) SavedTracks(ctx context.Context, token string, offset, limit int) (Page[models.SavedTrack], error) {
	var response SpotifyPaging[SpotifySavedTrack]
	if err := s.client.GetJSON(ctx, token, "/me/tracks", pageQuery(offset, limit), &response); err != nil {
		return Page[models.SavedTrack]{}, err
	}

	page := newPage[models.SavedTrack](response.Total, offset, response.Next != nil, len(response.Items))
	for _, item := range response.Items {
		if item.Track.ID == "" {
			continue
		}
		page.Items = append(page.Items, models.SavedTrack{
			Track:   item.Track.toModel(),
			AddedAt: parseAddedAt(item.AddedAt),
		})
	}
	return page, nil
}

// UserPlaylists retrieves one page of the current user's playlists.
func (s *SpotifyCatalog) UserPlaylists(ctx context.Context, token string, offset, limit int) (Page[models.Playlist], error) {
	var response SpotifyPaging[SpotifySimplePlaylist]
	if err := s.client.GetJSON(ctx, token, "/me/playlists", pageQuery(offset, limit), &response); err != nil {
		return Page[models.Playlist]{}, err
	}

	page := newPage[models.Playlist](response.Total, offset, response.Next != nil, len(response.Items))
	for _, sp := range response.Items {
		if sp.ID == "" {
			continue
		}
		page.Items = append(page.Items, models.Playlist{
			ID:          sp.ID,
			Name:        sp.Name,
			Description: sp.Description,
			OwnerID:     sp.Owner.ID,
			Public:      sp.Public,
			SnapshotID:  sp.SnapshotID,
			TrackTotal:  sp.Tracks.Total,
			ImageURL:    firstImage(sp.Images),
		})
	}
	return page, nil
}

// PlaylistItems retrieves one page of playlist membership.
//
// Every upstream row yields an entry so that positions stay aligned with offsets. Removed and local tracks come
// back with an empty track id.
func (s *SpotifyCatalog) PlaylistItems(ctx context.Context, token, playlistID string, offset, limit int) (Page[PlaylistEntry], error) {
	query := pageQuery(offset, limit)
	query.Set("fields", playlistItemFields)

	var response SpotifyPaging[SpotifyPlaylistTrack]
	endpoint := "/playlists/" + url.PathEscape(playlistID) + "/tracks"
	if err := s.client.GetJSON(ctx, token, endpoint, query, &response); err != nil {
		return Page[PlaylistEntry]{}, err
	}

	page := newPage[PlaylistEntry](response.Total, offset, response.Next != nil, len(response.Items))
	for i, item := range response.Items {
		entry := PlaylistEntry{Position: offset + i, AddedAt: item.AddedAt}
		if item.AddedBy != nil {
			entry.AddedBy = item.AddedBy.ID
		}
		if item.Track != nil && !item.Track.IsLocal {
			entry.Track = item.Track.toModel()
		}
		page.Items = append(page.Items, entry)
	}
	return page, nil
}

// SeveralTracks retrieves full track records for up to [MaxSeveralTracks] ids. Unknown ids are skipped.
func (s *SpotifyCatalog) SeveralTracks(ctx context.Context, token string, ids []string) ([]models.Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxSeveralTracks {
		return nil, fmt.Errorf("%w: at most %d track ids per lookup", shared.ErrInvalidArgument, MaxSeveralTracks)
	}

	var response struct {
		Tracks []*SpotifyTrack `json:"tracks"`
	}
	query := url.Values{"ids": {strings.Join(ids, ",")}}
	if err := s.client.GetJSON(ctx, token, "/tracks", query, &response); err != nil {
		return nil, err
	}

	tracks := make([]models.Track, 0, len(response.Tracks))
	for _, t := range response.Tracks {
		if t == nil || t.ID == "" {
			continue
		}
		tracks = append(tracks, t.toModel())
	}
	return tracks, nil
}

// Image downloads a cover image.
func (s *SpotifyCatalog) Image(ctx context.Context, imageURL string) (models.Image, error) {
	data, mime, err := s.client.Fetch(ctx, imageURL)
	if err != nil {
		return models.Image{}, err
	}
	return models.Image{Data: data, MIMEType: mime}, nil
}

func (t SpotifyTrack) toModel() models.Track {
	track := models.Track{
		ID:         t.ID,
		Name:       t.Name,
		AlbumID:    t.Album.ID,
		AlbumName:  t.Album.Name,
		DurationMS: t.DurationMS,
		ISRC:       t.ExternalIDs.ISRC,
		Explicit:   t.Explicit,
		Popularity: t.Popularity,
		ImageURL:   firstImage(t.Album.Images),
	}
	for _, a := range t.Artists {
		track.Artists = append(track.Artists, models.Artist{ID: a.ID, Name: a.Name})
	}
	return track
}

// firstImage picks the first listed image, which upstream orders largest first.
func firstImage(images []SpotifyImage) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}

func parseAddedAt(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func pageQuery(offset, limit int) url.Values {
	return url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
}
