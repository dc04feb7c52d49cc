package formatter

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/libsync/internal/models"
	"github.com/desertthunder/libsync/internal/shared"
	"github.com/goccy/go-json"
)

func testReport() *StatusReport {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &StatusReport{
		User: &models.User{ID: "u1", DisplayName: "Ada"},
		States: []*models.SyncState{
			{
				UserID:        "u1",
				Resource:      "tracks",
				Status:        models.SyncIdle,
				Cursor:        models.Cursor{Offset: 100, Limit: 50},
				LastSuccessAt: now.Add(-time.Minute),
			},
			{
				UserID:        "u1",
				Resource:      "playlist_items:p1",
				Status:        models.SyncBackoff,
				Cursor:        models.Cursor{Limit: 100, ID: "p1"},
				RetryAfterAt:  now.Add(5 * time.Second),
				FailureCount:  2,
				LastErrorCode: "rate limited | slow down",
			},
		},
		Jobs: []*models.Job{
			{
				ID:        "j1",
				UserID:    "u1",
				Type:      models.JobPlaylistItems,
				Resource:  "playlist_items:p1",
				Status:    models.JobQueued,
				Attempts:  2,
				NotBefore: now.Add(5 * time.Second),
				UpdatedAt: now,
			},
		},
		Heartbeat:   models.Heartbeat{WorkerID: "w1", BeatAt: now.Add(-3 * time.Second)},
		GeneratedAt: now,
	}
}

func TestExporters(t *testing.T) {
	t.Run("StatesToCSV", func(t *testing.T) {
		data, err := StatesToCSV(testReport().States)
		if err != nil {
			t.Fatalf("StatesToCSV failed: %v", err)
		}

		output := string(data)
		if !strings.HasPrefix(output, "Resource,Status,Offset,Limit,Cursor,Failures,Last Success,Retry After,Last Error\n") {
			t.Errorf("CSV missing headers, got: %s", output)
		}
		if !strings.Contains(output, "tracks,idle,100,50,,0,2025-03-01T11:59:00Z,-,") {
			t.Errorf("CSV missing tracks row, got: %s", output)
		}
		if !strings.Contains(output, "playlist_items:p1,backoff,0,100,p1,2,-,2025-03-01T12:00:05Z,rate limited | slow down") {
			t.Errorf("CSV missing playlist row, got: %s", output)
		}
	})

	t.Run("JobsToCSV", func(t *testing.T) {
		data, err := JobsToCSV(testReport().Jobs)
		if err != nil {
			t.Fatalf("JobsToCSV failed: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected header and one row, got %d lines", len(lines))
		}
		if lines[1] != "j1,playlist_items,playlist_items:p1,queued,2,2025-03-01T12:00:05Z,2025-03-01T12:00:00Z," {
			t.Errorf("unexpected job row: %s", lines[1])
		}
	})

	t.Run("ReportToJSON", func(t *testing.T) {
		data, err := ReportToJSON(testReport())
		if err != nil {
			t.Fatalf("ReportToJSON failed: %v", err)
		}

		var decoded struct {
			User struct {
				ID string `json:"id"`
			} `json:"user"`
			States []struct {
				Resource string `json:"resource"`
				Status   string `json:"status"`
			} `json:"states"`
			Jobs []struct {
				ID string `json:"id"`
			} `json:"jobs"`
			Heartbeat struct {
				WorkerID string `json:"workerId"`
			} `json:"heartbeat"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}

		if decoded.User.ID != "u1" {
			t.Errorf("expected user u1, got %q", decoded.User.ID)
		}
		if len(decoded.States) != 2 || decoded.States[1].Status != "backoff" {
			t.Errorf("unexpected states: %+v", decoded.States)
		}
		if len(decoded.Jobs) != 1 || decoded.Jobs[0].ID != "j1" {
			t.Errorf("unexpected jobs: %+v", decoded.Jobs)
		}
		if decoded.Heartbeat.WorkerID != "w1" {
			t.Errorf("expected worker w1, got %q", decoded.Heartbeat.WorkerID)
		}
		if !strings.Contains(string(data), "\n  \"") {
			t.Error("expected indented output")
		}
	})

	t.Run("ReportToMarkdown", func(t *testing.T) {
		data, err := ReportToMarkdown(testReport())
		if err != nil {
			t.Fatalf("ReportToMarkdown failed: %v", err)
		}

		output := string(data)
		for _, want := range []string{
			"# Sync status: Ada (u1)",
			"**Heartbeat**: 2025-03-01T11:59:57Z by w1 (3s ago)",
			"## Resources",
			"| Resource | Status |",
			"| tracks | idle | 100 | 50 |",
			`rate limited \| slow down`,
			"## Jobs",
			"| j1 | playlist_items |",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("markdown missing %q, got:\n%s", want, output)
			}
		}
	})

	t.Run("ReportToMarkdown empty", func(t *testing.T) {
		data, err := ReportToMarkdown(&StatusReport{})
		if err != nil {
			t.Fatalf("ReportToMarkdown failed: %v", err)
		}

		output := string(data)
		if !strings.Contains(output, "# Sync status: unknown user") {
			t.Errorf("expected unknown user title, got:\n%s", output)
		}
		if !strings.Contains(output, "**Heartbeat**: never") {
			t.Errorf("expected missing heartbeat, got:\n%s", output)
		}
		if strings.Count(output, "_none_") != 2 {
			t.Errorf("expected two empty tables, got:\n%s", output)
		}
	})
}

func TestWrite(t *testing.T) {
	tests := []struct {
		name   string
		format string
		want   string
	}{
		{name: "csv", format: FormatCSV, want: "Resource,Status"},
		{name: "json", format: FormatJSON, want: `"resource": "tracks"`},
		{name: "markdown", format: FormatMarkdown, want: "# Sync status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, testReport(), tt.format); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %q in output, got:\n%s", tt.want, buf.String())
			}
		})
	}

	t.Run("unsupported format", func(t *testing.T) {
		var buf bytes.Buffer
		err := Write(&buf, testReport(), FormatTable)
		if !errors.Is(err, shared.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
		if buf.Len() != 0 {
			t.Errorf("expected no output, got %q", buf.String())
		}
	})

	t.Run("WriteFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "status.md")
		if err := WriteFile(testReport(), FormatMarkdown, path); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.Contains(string(data), "## Jobs") {
			t.Errorf("file missing jobs section")
		}
	})
}

func TestFormatTime(t *testing.T) {
	if got := FormatTime(time.Time{}); got != "-" {
		t.Errorf("zero time: got %q", got)
	}

	loc := time.FixedZone("x", 3600)
	if got := FormatTime(time.Date(2025, 1, 1, 1, 0, 0, 0, loc)); got != "2025-01-01T00:00:00Z" {
		t.Errorf("expected UTC, got %q", got)
	}
}
