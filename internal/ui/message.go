package ui

import (
	"time"

	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/tasks"
)

type reportMsg struct {
	report *formatter.StatusReport
	err    error
}

type tickMsg time.Time

type syncQueuedMsg struct {
	resource string
	jobID    string
	err      error
}

type progressUpdateMsg tasks.ProgressUpdate

type runCompleteMsg struct {
	result tasks.Result
	err    error
}
