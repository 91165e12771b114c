package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

func TestBackoff(t *testing.T) {
	base := 10 * time.Second
	ceiling := 10 * time.Minute

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 320 * time.Second},
		{7, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.failures, base, ceiling); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

// failAttempts enqueues a job and fails n attempts, leaving it INCOMPLETE.
func failAttempts(t *testing.T, p *fakePersistence, scope string, n int) int64 {
	t.Helper()
	ctx := context.Background()
	jobID, created, err := p.EnqueueJob(ctx, scope, models.JobConfigTypeSync, nil)
	if err != nil || !created {
		t.Fatalf("enqueue failed: %v", err)
	}
	for i := 0; i < n; i++ {
		number, err := p.CreateAttempt(ctx, jobID, "/tmp/w")
		if err != nil {
			t.Fatal(err)
		}
		if err := p.FailAttempt(ctx, jobID, number); err != nil {
			t.Fatal(err)
		}
	}
	return jobID
}

func TestRetrierResetsAfterBackoff(t *testing.T) {
	persistence := newFakePersistence()
	current := time.Now()
	persistence.now = func() time.Time { return current }
	notifier := &fakeNotifier{}
	ctx := context.Background()

	jobID := failAttempts(t, persistence, "conn-1", 1)

	// Inside the backoff window nothing moves.
	r := NewJobRetrier(persistence, notifier, func() time.Time { return current.Add(5 * time.Second) }, 3, zerolog.Nop())
	r.Run(ctx)
	job, _ := persistence.GetJob(ctx, jobID)
	if job.Status != models.JobStatusIncomplete {
		t.Fatalf("job moved too early: %s", job.Status)
	}

	// Past the 10s backoff the job returns to PENDING.
	r = NewJobRetrier(persistence, notifier, func() time.Time { return current.Add(11 * time.Second) }, 3, zerolog.Nop())
	r.Run(ctx)
	job, _ = persistence.GetJob(ctx, jobID)
	if job.Status != models.JobStatusPending {
		t.Fatalf("job status = %s, want PENDING", job.Status)
	}
	if len(notifier.failed) != 0 {
		t.Errorf("unexpected failure notification")
	}
}

func TestRetrierBoundary(t *testing.T) {
	// maxAttempts-1 failures retries, maxAttempts failures terminalizes.
	const maxAttempts = 3
	ctx := context.Background()

	t.Run("one below budget retries", func(t *testing.T) {
		persistence := newFakePersistence()
		notifier := &fakeNotifier{}
		jobID := failAttempts(t, persistence, "conn-1", maxAttempts-1)

		r := NewJobRetrier(persistence, notifier, func() time.Time { return time.Now().Add(time.Hour) }, maxAttempts, zerolog.Nop())
		r.Run(ctx)

		job, _ := persistence.GetJob(ctx, jobID)
		if job.Status != models.JobStatusPending {
			t.Fatalf("job status = %s, want PENDING", job.Status)
		}
	})

	t.Run("at budget terminalizes", func(t *testing.T) {
		persistence := newFakePersistence()
		notifier := &fakeNotifier{}
		jobID := failAttempts(t, persistence, "conn-1", maxAttempts)

		r := NewJobRetrier(persistence, notifier, time.Now, maxAttempts, zerolog.Nop())
		r.Run(ctx)

		job, _ := persistence.GetJob(ctx, jobID)
		if job.Status != models.JobStatusFailed {
			t.Fatalf("job status = %s, want FAILED", job.Status)
		}
		if len(notifier.failed) != 1 {
			t.Fatalf("notifier invoked %d times, want once", len(notifier.failed))
		}
	})
}
