package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordJob(t *testing.T) {
	before := testutil.ToFloat64(JobOutcomes.WithLabelValues("tracks_initial", "done"))
	RecordJob("tracks_initial", "done", 250*time.Millisecond)

	if got := testutil.ToFloat64(JobOutcomes.WithLabelValues("tracks_initial", "done")); got != before+1 {
		t.Errorf("expected outcome counter %v, got %v", before+1, got)
	}
}

func TestRecordItems(t *testing.T) {
	tc := []struct {
		name string
		n    int
		want float64
	}{
		{name: "positive adds", n: 20, want: 20},
		{name: "zero ignored", n: 0, want: 0},
		{name: "negative ignored", n: -3, want: 0},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			resource := "test_" + tt.name
			RecordItems(resource, tt.n)
			if got := testutil.ToFloat64(ItemsSynced.WithLabelValues(resource)); got != tt.want {
				t.Errorf("expected %v items, got %v", tt.want, got)
			}
		})
	}
}
