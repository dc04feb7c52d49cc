package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
)

// Supported output formats.
const (
	FormatTable    = "table"
	FormatCSV      = "csv"
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Formats lists the formats accepted by [Write], table included.
var Formats = []string{FormatTable, FormatCSV, FormatJSON, FormatMarkdown}

// StatusReport is a point-in-time view of one user's sync health.
type StatusReport struct {
	User        *models.User        `json:"user"`
	States      []*models.SyncState `json:"states"`
	Jobs        []*models.Job       `json:"jobs"`
	Heartbeat   models.Heartbeat    `json:"heartbeat"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

var (
	stateHeaders = []string{"Resource", "Status", "Offset", "Limit", "Cursor", "Failures", "Last Success", "Retry After", "Last Error"}
	jobHeaders   = []string{"ID", "Type", "Resource", "Status", "Attempts", "Not Before", "Updated", "Last Error"}
)

// StateRecord returns the CSV and table columns for s, in [stateHeaders] order.
func StateRecord(s *models.SyncState) []string {
	return []string{
		s.Resource,
		string(s.Status),
		strconv.Itoa(s.Cursor.Offset),
		strconv.Itoa(s.Cursor.Limit),
		s.Cursor.ID,
		strconv.Itoa(s.FailureCount),
		FormatTime(s.LastSuccessAt),
		FormatTime(s.RetryAfterAt),
		s.LastErrorCode,
	}
}

// JobRecord returns the CSV and table columns for j, in [jobHeaders] order.
func JobRecord(j *models.Job) []string {
	return []string{
		j.ID,
		string(j.Type),
		j.Resource,
		string(j.Status),
		strconv.Itoa(j.Attempts),
		FormatTime(j.NotBefore),
		FormatTime(j.UpdatedAt),
		j.LastError,
	}
}

// StateHeaders returns the sync state column names.
func StateHeaders() []string { return append([]string(nil), stateHeaders...) }

// JobHeaders returns the job column names.
func JobHeaders() []string { return append([]string(nil), jobHeaders...) }

// FormatTime renders t in RFC 3339 UTC, or "-" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// StatesToCSV converts sync states to CSV with one row per resource.
func StatesToCSV(states []*models.SyncState) ([]byte, error) {
	records := make([][]string, 0, len(states))
	for _, s := range states {
		records = append(records, StateRecord(s))
	}
	return toCSV(stateHeaders, records)
}

// JobsToCSV converts jobs to CSV with one row per job.
func JobsToCSV(jobs []*models.Job) ([]byte, error) {
	records := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		records = append(records, JobRecord(j))
	}
	return toCSV(jobHeaders, records)
}

func toCSV(headers []string, records [][]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// ReportToCSV writes the states table, a blank line and the jobs table.
func ReportToCSV(r *StatusReport) ([]byte, error) {
	states, err := StatesToCSV(r.States)
	if err != nil {
		return nil, err
	}
	jobs, err := JobsToCSV(r.Jobs)
	if err != nil {
		return nil, err
	}
	return bytes.Join([][]byte{states, jobs}, []byte("\n")), nil
}

// ReportToJSON encodes the report as indented JSON.
func ReportToJSON(r *StatusReport) ([]byte, error) {
	return shared.MarshalJSON(r, true)
}

// ReportToMarkdown renders the report as Markdown tables.
func ReportToMarkdown(r *StatusReport) ([]byte, error) {
	var buf bytes.Buffer

	name := "unknown user"
	if r.User != nil {
		name = r.User.ID
		if r.User.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", r.User.DisplayName, r.User.ID)
		}
	}
	fmt.Fprintf(&buf, "# Sync status: %s\n\n", name)
	fmt.Fprintf(&buf, "**Generated**: %s\n", FormatTime(r.GeneratedAt))
	fmt.Fprintf(&buf, "**Heartbeat**: %s\n\n", heartbeatLine(r.Heartbeat, r.GeneratedAt))

	buf.WriteString("## Resources\n\n")
	writeMarkdownTable(&buf, stateHeaders, mapRecords(r.States, StateRecord))

	buf.WriteString("\n## Jobs\n\n")
	writeMarkdownTable(&buf, jobHeaders, mapRecords(r.Jobs, JobRecord))
	return buf.Bytes(), nil
}

func heartbeatLine(hb models.Heartbeat, now time.Time) string {
	if hb.BeatAt.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s by %s (%s ago)", FormatTime(hb.BeatAt), hb.WorkerID, now.Sub(hb.BeatAt).Truncate(time.Second))
}

func mapRecords[T any](items []T, fn func(T) []string) [][]string {
	records := make([][]string, 0, len(items))
	for _, item := range items {
		records = append(records, fn(item))
	}
	return records
}

func writeMarkdownTable(buf *bytes.Buffer, headers []string, records [][]string) {
	if len(records) == 0 {
		buf.WriteString("_none_\n")
		return
	}

	buf.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	buf.WriteString("|" + strings.Repeat(" --- |", len(headers)) + "\n")
	for _, record := range records {
		cells := make([]string, len(record))
		for i, c := range record {
			cells[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		buf.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

// Write renders r in format to w. The table format is rendered by the ui package and is rejected here.
func Write(w io.Writer, r *StatusReport, format string) error {
	var (
		data []byte
		err  error
	)

	switch format {
	case FormatCSV:
		data, err = ReportToCSV(r)
	case FormatJSON:
		data, err = ReportToJSON(r)
	case FormatMarkdown:
		data, err = ReportToMarkdown(r)
	default:
		return fmt.Errorf("%w: unsupported format %q", shared.ErrInvalidArgument, format)
	}
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}

// WriteFile renders r in format to path.
func WriteFile(r *StatusReport, format, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := Write(f, r, format); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
