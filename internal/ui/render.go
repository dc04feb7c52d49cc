package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/desertthunder/libsync/internal/formatter"
	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/tasks"
)

// DefaultStaleAfter is the heartbeat age after which the worker is shown as down.
const DefaultStaleAfter = 30 * time.Second

// Status column indexes in the state and job tables.
const (
	stateStatusColumn = 1
	jobStatusColumn   = 3
)

// RenderStates draws sync states as a bordered table with status colors.
func RenderStates(states []*models.SyncState) string {
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		rows = append(rows, formatter.StateRecord(s))
	}
	return renderTable(formatter.StateHeaders(), rows, stateStatusColumn)
}

// RenderJobs draws jobs as a bordered table with status colors.
func RenderJobs(jobs []*models.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, formatter.JobRecord(j))
	}
	return renderTable(formatter.JobHeaders(), rows, jobStatusColumn)
}

func renderTable(headers []string, rows [][]string, statusCol int) string {
	if len(rows) == 0 {
		return styles.help.Render("(none)")
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.help).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return base.Bold(true)
			case col == statusCol && row >= 0 && row < len(rows):
				return styles.Status(rows[row][col]).Padding(0, 1)
			default:
				return base
			}
		})
	return t.String()
}

// RenderHeartbeat summarizes worker liveness relative to now.
func RenderHeartbeat(hb models.Heartbeat, now time.Time, staleAfter time.Duration) string {
	if hb.BeatAt.IsZero() {
		return styles.err.Render("worker: no heartbeat recorded")
	}

	age := now.Sub(hb.BeatAt).Truncate(time.Second)
	line := fmt.Sprintf("worker %s: last beat %s ago", hb.WorkerID, age)
	if !hb.Alive(now, staleAfter) {
		return styles.err.Render(line + " (stale)")
	}
	return styles.ok.Render(line)
}

// RenderReport draws the full status report: heading, heartbeat, resources and jobs.
func RenderReport(r *formatter.StatusReport) string {
	var b strings.Builder

	name := "unknown user"
	if r.User != nil {
		name = r.User.ID
		if r.User.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", r.User.DisplayName, r.User.ID)
		}
	}

	b.WriteString(styles.title.Render("Sync status: " + name))
	b.WriteString("\n")
	b.WriteString(RenderHeartbeat(r.Heartbeat, r.GeneratedAt, DefaultStaleAfter))
	b.WriteString("\n\n")
	b.WriteString(styles.title.Render("Resources"))
	b.WriteString("\n")
	b.WriteString(RenderStates(r.States))
	b.WriteString("\n\n")
	b.WriteString(styles.title.Render("Jobs"))
	b.WriteString("\n")
	b.WriteString(RenderJobs(r.Jobs))
	b.WriteString("\n")
	return b.String()
}

// RenderProgress formats one engine progress update as a single line.
func RenderProgress(u tasks.ProgressUpdate) string {
	phase := styles.help.Render(fmt.Sprintf("%-20s", u.Phase.String()))
	if u.Phase == tasks.Finished {
		return phase + " " + styles.ok.Render(u.Message)
	}
	return phase + " " + u.Message
}

// RenderResult summarizes a finished run.
func RenderResult(resource string, r tasks.Result, err error) string {
	switch {
	case err != nil:
		return styles.err.Render(fmt.Sprintf("✗ %s failed: %v", resource, err))
	case r.Done:
		return styles.ok.Render(fmt.Sprintf("✓ %s complete: %d items written", resource, r.Items))
	default:
		return styles.warn.Render(fmt.Sprintf("… %s paused after its page budget: %d items written, continuation queued", resource, r.Items))
	}
}
