package testing

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

// FakeTrack is a track served by [FakeCatalog].
type FakeTrack struct {
	ID         string
	Name       string
	AlbumID    string
	AlbumName  string
	ArtistID   string
	ArtistName string
	AddedAt    time.Time
	HasImage   bool
}

// FakePlaylistItem is one playlist row. An empty TrackID is served as a null track.
type FakePlaylistItem struct {
	TrackID string
	AddedAt string
	AddedBy string
}

// FakePlaylist is a playlist served by [FakeCatalog].
type FakePlaylist struct {
	ID         string
	Name       string
	SnapshotID string
	Items      []FakePlaylistItem
}

// FakeFailure is a scripted non-2xx response.
type FakeFailure struct {
	Status     int
	RetryAfter string
	Body       string
	// Hang blocks the request until the client gives up.
	Hang bool
}

// FakeCatalog is an in-process upstream implementing the subset of the catalog API used by the sync engine:
// saved tracks, playlists, playlist items, several tracks, images, the user profile and the token endpoint.
type FakeCatalog struct {
	Server *httptest.Server

	mu        sync.Mutex
	saved     []FakeTrack
	tracks    map[string]FakeTrack
	playlists []FakePlaylist
	failures  map[string][]FakeFailure
	requests  map[string]int

	validRefresh map[string]bool
	rotateTo     string
	expiresIn    int
	issued       int
}

// NewFakeCatalog starts a [FakeCatalog] that is closed when the test ends.
func NewFakeCatalog(t *testing.T) *FakeCatalog {
	t.Helper()

	f := &FakeCatalog{
		tracks:       make(map[string]FakeTrack),
		failures:     make(map[string][]FakeFailure),
		requests:     make(map[string]int),
		validRefresh: make(map[string]bool),
		expiresIn:    3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /me", f.handleMe)
	mux.HandleFunc("GET /me/tracks", f.handleSavedTracks)
	mux.HandleFunc("GET /me/playlists", f.handlePlaylists)
	mux.HandleFunc("GET /playlists/{id}/tracks", f.handlePlaylistItems)
	mux.HandleFunc("GET /tracks", f.handleSeveralTracks)
	mux.HandleFunc("GET /images/{id}", f.handleImage)
	mux.HandleFunc("POST /api/token", f.handleToken)

	f.Server = httptest.NewServer(f.intercept(mux))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the fake.
func (f *FakeCatalog) URL() string { return f.Server.URL }

// TokenURL returns the token endpoint of the fake.
func (f *FakeCatalog) TokenURL() string { return f.Server.URL + "/api/token" }

// ImageURL returns the cover URL served for a track id.
func (f *FakeCatalog) ImageURL(trackID string) string { return f.Server.URL + "/images/" + trackID }

// SetSavedTracks replaces the saved library. Tracks are served in the given order, newest first by convention.
func (f *FakeCatalog) SetSavedTracks(tracks ...FakeTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.saved = append([]FakeTrack(nil), tracks...)
	for _, t := range tracks {
		f.tracks[t.ID] = t
	}
}

// PrependSavedTracks adds newly liked tracks to the front of the library.
func (f *FakeCatalog) PrependSavedTracks(tracks ...FakeTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.saved = append(append([]FakeTrack(nil), tracks...), f.saved...)
	for _, t := range tracks {
		f.tracks[t.ID] = t
	}
}

// AddTracks makes tracks resolvable by id without saving them.
func (f *FakeCatalog) AddTracks(tracks ...FakeTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range tracks {
		f.tracks[t.ID] = t
	}
}

// SetPlaylists replaces the user's playlists.
func (f *FakeCatalog) SetPlaylists(playlists ...FakePlaylist) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.playlists = append([]FakePlaylist(nil), playlists...)
}

// AllowRefresh registers a refresh token accepted by the token endpoint.
func (f *FakeCatalog) AllowRefresh(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validRefresh[token] = true
}

// RotateRefresh makes the next exchange return next as a new refresh token. The old token stops working.
func (f *FakeCatalog) RotateRefresh(next string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateTo = next
}

// SetExpiresIn sets the lifetime in seconds of issued access tokens.
func (f *FakeCatalog) SetExpiresIn(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiresIn = seconds
}

// FailNext queues failures for path; each matching request consumes one.
func (f *FakeCatalog) FailNext(path string, failures ...FakeFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = append(f.failures[path], failures...)
}

// Requests returns the number of requests received for path.
func (f *FakeCatalog) Requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func (f *FakeCatalog) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests[r.URL.Path]++
		var failure *FakeFailure
		if queued := f.failures[r.URL.Path]; len(queued) > 0 {
			failure = &queued[0]
			f.failures[r.URL.Path] = queued[1:]
		}
		f.mu.Unlock()

		if failure != nil && failure.Hang {
			<-r.Context().Done()
			return
		}
		if failure != nil {
			if failure.RetryAfter != "" {
				w.Header().Set("Retry-After", failure.RetryAfter)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failure.Status)
			w.Write([]byte(failure.Body))
			return
		}

		if r.URL.Path != "/api/token" && !strings.HasPrefix(r.URL.Path, "/images/") &&
			!strings.HasPrefix(r.Header.Get("Authorization"), "Bearer access-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (f *FakeCatalog) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"id": "fake-user", "display_name": "Fake User"})
}

func (f *FakeCatalog) handleSavedTracks(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)

	f.mu.Lock()
	window := pageWindow(f.saved, offset, limit)
	total := len(f.saved)
	items := make([]map[string]any, 0, len(window))
	for _, t := range window {
		items = append(items, map[string]any{
			"added_at": t.AddedAt.UTC().Format(time.RFC3339),
			"track":    f.trackJSON(t, true),
		})
	}
	f.mu.Unlock()

	writeJSON(w, paging(items, total, offset, limit))
}

func (f *FakeCatalog) handlePlaylists(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)

	f.mu.Lock()
	window := pageWindow(f.playlists, offset, limit)
	total := len(f.playlists)
	items := make([]map[string]any, 0, len(window))
	for _, p := range window {
		items = append(items, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"description": "",
			"owner":       map[string]any{"id": "fake-user"},
			"public":      false,
			"snapshot_id": p.SnapshotID,
			"tracks":      map[string]any{"total": len(p.Items)},
			"images":      []any{},
		})
	}
	f.mu.Unlock()

	writeJSON(w, paging(items, total, offset, limit))
}

func (f *FakeCatalog) handlePlaylistItems(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	id := r.PathValue("id")
	withAlbum := !strings.Contains(r.URL.Query().Get("fields"), "track(") ||
		strings.Contains(r.URL.Query().Get("fields"), "album")

	f.mu.Lock()
	defer f.mu.Unlock()

	var playlist *FakePlaylist
	for i := range f.playlists {
		if f.playlists[i].ID == id {
			playlist = &f.playlists[i]
		}
	}
	if playlist == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	window := pageWindow(playlist.Items, offset, limit)
	items := make([]map[string]any, 0, len(window))
	for _, item := range window {
		row := map[string]any{"added_at": item.AddedAt, "added_by": map[string]any{"id": item.AddedBy}, "track": nil}
		if t, ok := f.tracks[item.TrackID]; ok {
			row["track"] = f.trackJSON(t, withAlbum)
		}
		items = append(items, row)
	}

	writeJSON(w, paging(items, len(playlist.Items), offset, limit))
}

func (f *FakeCatalog) handleSeveralTracks(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("ids"), ",")

	f.mu.Lock()
	tracks := make([]any, 0, len(ids))
	for _, id := range ids {
		if t, ok := f.tracks[id]; ok {
			tracks = append(tracks, f.trackJSON(t, true))
		} else {
			tracks = append(tracks, nil)
		}
	}
	f.mu.Unlock()

	writeJSON(w, map[string]any{"tracks": tracks})
}

func (f *FakeCatalog) handleImage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write([]byte("jpeg:" + r.PathValue("id")))
}

func (f *FakeCatalog) handleToken(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]any{"error": "invalid_client"})
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	resp := map[string]any{"token_type": "Bearer", "scope": "user-library-read"}
	switch r.PostForm.Get("grant_type") {
	case "refresh_token":
		refresh := r.PostForm.Get("refresh_token")
		if !f.validRefresh[refresh] {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		if f.rotateTo != "" {
			delete(f.validRefresh, refresh)
			f.validRefresh[f.rotateTo] = true
			resp["refresh_token"] = f.rotateTo
			f.rotateTo = ""
		}
	case "authorization_code":
		resp["refresh_token"] = "refresh-from-code"
		f.validRefresh["refresh-from-code"] = true
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.issued++
	resp["access_token"] = "access-" + strconv.Itoa(f.issued)
	resp["expires_in"] = f.expiresIn

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// trackJSON renders t in upstream shape. Caller holds f.mu.
func (f *FakeCatalog) trackJSON(t FakeTrack, withAlbum bool) map[string]any {
	track := map[string]any{
		"id":           t.ID,
		"name":         t.Name,
		"duration_ms":  180000,
		"explicit":     false,
		"popularity":   50,
		"is_local":     false,
		"external_ids": map[string]any{"isrc": "ISRC" + t.ID},
		"artists":      []any{},
	}
	if t.ArtistID != "" {
		track["artists"] = []any{map[string]any{"id": t.ArtistID, "name": t.ArtistName}}
	}
	if withAlbum {
		images := []any{}
		if t.HasImage {
			images = append(images, map[string]any{"url": f.ImageURL(t.ID), "width": 640, "height": 640})
		}
		track["album"] = map[string]any{"id": t.AlbumID, "name": t.AlbumName, "images": images}
	}
	return track
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	return offset, limit
}

func pageWindow[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

func paging(items []map[string]any, total, offset, limit int) map[string]any {
	var next any
	if offset+len(items) < total {
		next = "next"
	}
	return map[string]any{"items": items, "total": total, "offset": offset, "limit": limit, "next": next}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
