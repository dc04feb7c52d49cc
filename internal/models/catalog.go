package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Artist is an upstream artist reference.
type Artist struct {
	ID   string
	Name string
}

// Track is a catalog track. Empty album and image fields never overwrite known values on upsert.
type Track struct {
	ID         string
	Name       string
	AlbumID    string
	AlbumName  string
	DurationMS int
	ISRC       string
	Explicit   bool
	Popularity int
	ImageURL   string
	Artists    []Artist
}

// SavedTrack is a track in the user's library together with the time it was liked.
type SavedTrack struct {
	Track   Track
	AddedAt time.Time
}

// Playlist is a playlist visible to the user.
type Playlist struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Public      bool
	SnapshotID  string
	TrackTotal  int
	ImageURL    string
}

// PlaylistItem is one membership row of a playlist for one sync run.
type PlaylistItem struct {
	ID         string
	PlaylistID string
	Track      Track
	Position   int
	AddedAt    string
	AddedBy    string
	SnapshotID string
	RunID      string
}

// PlaylistItemID derives a content-addressed identifier so that replaying the same page is idempotent.
func PlaylistItemID(playlistID, trackID, addedAt, addedBy string, position int, snapshotID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		playlistID, trackID, addedAt, addedBy, strconv.Itoa(position), snapshotID,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Image is a downloaded cover payload.
type Image struct {
	Data     []byte
	MIMEType string
}

// User is an account known to the sync engine.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Credential is the stored credential record for one user. Ciphertext is produced by the vault.
type Credential struct {
	UserID          string
	Ciphertext      string
	KeyVersion      int
	AccessToken     string
	AccessExpiresAt time.Time
	Scope           string
	UpdatedAt       time.Time
}
