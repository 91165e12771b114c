package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

func TestCleanupZombies(t *testing.T) {
	persistence := newFakePersistence()
	notifier := &fakeNotifier{}
	ctx := context.Background()

	// A job left RUNNING by a crashed process.
	jobID, _, err := persistence.EnqueueJob(ctx, "conn-1", models.JobConfigTypeSync, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := persistence.CreateAttempt(ctx, jobID, "/tmp/w"); err != nil {
		t.Fatal(err)
	}

	// A healthy terminal job that must stay untouched.
	doneID, _, _ := persistence.EnqueueJob(ctx, "conn-2", models.JobConfigTypeSync, nil)
	persistence.CreateAttempt(ctx, doneID, "/tmp/w2")
	persistence.SucceedAttempt(ctx, doneID, 0, nil)

	if err := CleanupZombies(ctx, persistence, notifier, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	job, _ := persistence.GetJob(ctx, jobID)
	if job.Status != models.JobStatusCancelled {
		t.Errorf("zombie status = %s, want CANCELLED", job.Status)
	}
	if job.Attempts[0].Status != models.AttemptStatusFailed {
		t.Errorf("zombie attempt status = %s, want FAILED", job.Attempts[0].Status)
	}
	if len(notifier.cancelled) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.cancelled))
	}

	done, _ := persistence.GetJob(ctx, doneID)
	if done.Status != models.JobStatusSucceeded {
		t.Errorf("terminal job mutated to %s", done.Status)
	}

	running, _ := persistence.ListJobsWithStatus(ctx, models.JobStatusRunning)
	if len(running) != 0 {
		t.Errorf("%d jobs still RUNNING after reaper", len(running))
	}
}
