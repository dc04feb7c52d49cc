package models

import (
	"fmt"
	"time"

	"github.com/desertthunder/libsync/internal/shared"
	"github.com/goccy/go-json"
)

// JobType names the sync algorithm a job dispatches to.
type JobType string

const (
	JobTracksInitial     JobType = "tracks_initial"
	JobTracksIncremental JobType = "tracks_incremental"
	JobPlaylists         JobType = "playlists"
	JobPlaylistItems     JobType = "playlist_items"
	JobTrackMetadata     JobType = "track_metadata"
	JobCovers            JobType = "covers"
)

// JobTypes lists every known job type in dispatch order.
var JobTypes = []JobType{
	JobTracksInitial, JobTracksIncremental, JobPlaylists, JobPlaylistItems, JobTrackMetadata, JobCovers,
}

// ParseJobType validates s as a [JobType].
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", shared.ErrUnknownJobType, s)
}

func (t JobType) String() string { return string(t) }

// JobStatus is the lifecycle state of a [Job]. done and error are terminal.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Job is a durable unit of deferred work.
type Job struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Type      JobType         `json:"type"`
	Resource  string          `json:"resource"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore time.Time       `json:"notBefore"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Decode decodes and validates the job's payload for its type.
func (j *Job) Decode() (Payload, error) {
	return DecodePayload(j.Type, j.Payload)
}
