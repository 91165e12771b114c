package tracking

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

func TestTrackerCountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	tracker := New("LOGGING", registry, zerolog.Nop()).(*metricsTracker)

	job := &models.Job{ID: 1, Scope: "conn-1", ConfigType: models.JobConfigTypeSync}
	tracker.JobStarted(job, 0)
	tracker.JobFailed(job, 0, time.Second)
	tracker.JobStarted(job, 1)
	tracker.JobSucceeded(job, 1, &models.AttemptOutput{
		Sync: &models.SyncSummary{RecordsSynced: 10, BytesSynced: 100},
	}, 2*time.Second)

	if got := testutil.ToFloat64(tracker.jobsStarted.WithLabelValues("SYNC")); got != 2 {
		t.Errorf("jobs started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(tracker.jobsFailed.WithLabelValues("SYNC")); got != 1 {
		t.Errorf("jobs failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tracker.jobsSucceeded.WithLabelValues("SYNC")); got != 1 {
		t.Errorf("jobs succeeded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tracker.recordsSynced); got != 10 {
		t.Errorf("records synced = %v, want 10", got)
	}
}

func TestTrackerUnknownStrategyFallsBack(t *testing.T) {
	registry := prometheus.NewRegistry()
	if tracker := New("SEGMENT", registry, zerolog.Nop()); tracker == nil {
		t.Fatal("expected a tracker for unknown strategy")
	}
}
