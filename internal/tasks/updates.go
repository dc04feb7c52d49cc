package tasks

import (
	"fmt"

	"github.com/desertthunder/libsync/internal/models"
)

// ProgressUpdate represents a progress event during a sync run.
//
// Used to send real-time updates to the CLI for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase (page or batch budget)
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data
}

// Operation phase enumeration
type Phase int

const (
	FetchTracks Phase = iota
	FetchPlaylists
	FetchPlaylistItems
	Reconcile
	FetchMetadata
	FetchCovers
	Finished
)

func (p Phase) String() string {
	switch p {
	case FetchTracks:
		return "fetch_tracks"
	case FetchPlaylists:
		return "fetch_playlists"
	case FetchPlaylistItems:
		return "fetch_playlist_items"
	case Reconcile:
		return "reconcile"
	case FetchMetadata:
		return "fetch_metadata"
	case FetchCovers:
		return "fetch_covers"
	case Finished:
		return "finished"
	default:
		return ""
	}
}

func pageUpdate(phase Phase, step, total, offset, written int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   phase,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] offset %d: wrote %d items", step, total, offset, written),
	}
}

func overlapUpdate(step, total, offset int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchTracks,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] offset %d: reached already synced tracks", step, total, offset),
	}
}

func enqueuedItemsUpdate(step, total int, pl models.Playlist) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchPlaylists,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("Playlist changed: %s (snapshot %s), items sync queued", pl.Name, pl.SnapshotID),
		Data:    pl,
	}
}

func reconcileUpdate(playlistID string, removed int64) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Reconcile,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Playlist %s reconciled: %d stale items removed", playlistID, removed),
	}
}

func batchUpdate(phase Phase, step, total int, cursor string, written int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   phase,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] through %s: wrote %d items", step, total, cursor, written),
	}
}

func finishedUpdate(resource string, r Result) ProgressUpdate {
	msg := fmt.Sprintf("%s: done, %d items written", resource, r.Items)
	if !r.Done {
		msg = fmt.Sprintf("%s: page budget exhausted, %d items written, continuation queued", resource, r.Items)
	}
	return ProgressUpdate{Phase: Finished, Step: 1, Total: 1, Message: msg, Data: r}
}
