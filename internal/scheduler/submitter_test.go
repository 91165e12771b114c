package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/temporal"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubmitterRoundTrip(t *testing.T) {
	persistence := newFakePersistence()
	tracker := &fakeTracker{}
	client := &fakeWorkflowClient{
		handler: func(identity string, input temporal.AttemptInput) (*models.AttemptOutput, error) {
			return &models.AttemptOutput{Sync: &models.SyncSummary{RecordsSynced: 42}}, nil
		},
	}
	workspaceRoot := t.TempDir()
	ctx := context.Background()

	jobID, _, err := persistence.EnqueueJob(ctx, testConnectionID, models.JobConfigTypeSync, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}

	s := NewJobSubmitter(persistence, client, NewWorkerPool(4), tracker, workspaceRoot, zerolog.Nop())
	s.Run(ctx)

	waitFor(t, time.Second, func() bool {
		job, _ := persistence.GetJob(ctx, jobID)
		return job.Status.Terminal()
	})

	succeeded, err := persistence.ListJobsWithStatus(ctx, models.JobStatusSucceeded)
	if err != nil {
		t.Fatal(err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != jobID {
		t.Fatalf("SUCCEEDED jobs = %+v, want exactly job %d", succeeded, jobID)
	}

	job := succeeded[0]
	if len(job.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(job.Attempts))
	}
	var output models.AttemptOutput
	if err := json.Unmarshal(job.Attempts[0].Output, &output); err != nil {
		t.Fatal(err)
	}
	if output.Sync == nil || output.Sync.RecordsSynced != 42 {
		t.Errorf("attempt output = %+v", output)
	}

	wantIdentity := fmt.Sprintf("connection-%s-%d-0", testConnectionID, jobID)
	if ids := client.identities(); len(ids) != 1 || ids[0] != wantIdentity {
		t.Errorf("workflow identities = %v, want [%s]", ids, wantIdentity)
	}

	wantDir := filepath.Join(workspaceRoot, fmt.Sprintf("%d", jobID), "0")
	if job.Attempts[0].LogPath != wantDir {
		t.Errorf("workspace path = %s, want %s", job.Attempts[0].LogPath, wantDir)
	}
	if _, err := os.Stat(wantDir); err != nil {
		t.Errorf("workspace dir missing: %v", err)
	}

	if tracker.started != 1 || tracker.succeeded != 1 {
		t.Errorf("tracker events started=%d succeeded=%d", tracker.started, tracker.succeeded)
	}
}

func TestSubmitterRecordsFailure(t *testing.T) {
	persistence := newFakePersistence()
	tracker := &fakeTracker{}
	client := &fakeWorkflowClient{
		handler: func(identity string, input temporal.AttemptInput) (*models.AttemptOutput, error) {
			return nil, errors.New("worker exploded")
		},
	}
	ctx := context.Background()

	jobID, _, _ := persistence.EnqueueJob(ctx, testConnectionID, models.JobConfigTypeSync, nil)

	s := NewJobSubmitter(persistence, client, NewWorkerPool(4), tracker, t.TempDir(), zerolog.Nop())
	s.Run(ctx)

	waitFor(t, time.Second, func() bool {
		job, _ := persistence.GetJob(ctx, jobID)
		return job.Status == models.JobStatusIncomplete
	})

	job, _ := persistence.GetJob(ctx, jobID)
	if job.Attempts[0].Status != models.AttemptStatusFailed {
		t.Errorf("attempt status = %s, want FAILED", job.Attempts[0].Status)
	}
	if tracker.failed != 1 {
		t.Errorf("tracker failed events = %d, want 1", tracker.failed)
	}
}

func TestSubmitterStopsWhenPoolSaturated(t *testing.T) {
	persistence := newFakePersistence()
	block := make(chan struct{})
	client := &fakeWorkflowClient{blockUntil: block}
	ctx := context.Background()

	persistence.EnqueueJob(ctx, "conn-1", models.JobConfigTypeSync, nil)
	persistence.EnqueueJob(ctx, "conn-2", models.JobConfigTypeSync, nil)
	persistence.EnqueueJob(ctx, "conn-3", models.JobConfigTypeSync, nil)

	s := NewJobSubmitter(persistence, client, NewWorkerPool(2), &fakeTracker{}, t.TempDir(), zerolog.Nop())
	s.Run(ctx)

	// Two slots, two jobs in flight; the third stays PENDING for a later
	// tick.
	waitFor(t, time.Second, func() bool {
		running, _ := persistence.ListJobsWithStatus(ctx, models.JobStatusRunning)
		return len(running) == 2
	})
	pending, _ := persistence.ListJobsWithStatus(ctx, models.JobStatusPending)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	close(block)
	waitFor(t, time.Second, func() bool {
		succeeded, _ := persistence.ListJobsWithStatus(ctx, models.JobStatusSucceeded)
		return len(succeeded) == 2
	})

	// The freed slots pick the last job up on the next tick.
	s.Run(ctx)
	waitFor(t, time.Second, func() bool {
		succeeded, _ := persistence.ListJobsWithStatus(ctx, models.JobStatusSucceeded)
		return len(succeeded) == 3
	})
}

func TestSubmitterCreatesExactlyOneAttemptPerJob(t *testing.T) {
	persistence := newFakePersistence()
	block := make(chan struct{})
	client := &fakeWorkflowClient{blockUntil: block}
	ctx := context.Background()

	jobID, _, _ := persistence.EnqueueJob(ctx, testConnectionID, models.JobConfigTypeSync, nil)

	// One job, four free slots, and a workflow that does not finish: the
	// dispatch loop keeps polling while the job's attempt is in flight and
	// must never dequeue it a second time.
	s := NewJobSubmitter(persistence, client, NewWorkerPool(4), &fakeTracker{}, t.TempDir(), zerolog.Nop())
	s.Run(ctx)
	s.Run(ctx)

	waitFor(t, time.Second, func() bool { return len(client.identities()) == 1 })
	time.Sleep(20 * time.Millisecond)

	job, _ := persistence.GetJob(ctx, jobID)
	if job.Status != models.JobStatusRunning {
		t.Fatalf("job status = %s, want RUNNING", job.Status)
	}
	if got := persistence.attemptCreations(); got != 1 {
		t.Fatalf("attempts created = %d, want 1", got)
	}
	if ids := client.identities(); len(ids) != 1 {
		t.Fatalf("workflow submissions = %v, want exactly one", ids)
	}
	if len(job.Attempts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(job.Attempts))
	}

	close(block)
	waitFor(t, time.Second, func() bool {
		job, _ := persistence.GetJob(ctx, jobID)
		return job.Status == models.JobStatusSucceeded
	})
	if got := persistence.attemptCreations(); got != 1 {
		t.Fatalf("attempts created after completion = %d, want 1", got)
	}
}

func TestSubmitterSkipsScopesWithRunningJob(t *testing.T) {
	persistence := newFakePersistence()
	block := make(chan struct{})
	defer close(block)
	client := &fakeWorkflowClient{blockUntil: block}
	ctx := context.Background()

	jobID, _, _ := persistence.EnqueueJob(ctx, "conn-1", models.JobConfigTypeSync, nil)

	s := NewJobSubmitter(persistence, client, NewWorkerPool(4), &fakeTracker{}, t.TempDir(), zerolog.Nop())
	s.Run(ctx)
	waitFor(t, time.Second, func() bool {
		job, _ := persistence.GetJob(ctx, jobID)
		return job.Status == models.JobStatusRunning
	})
	waitFor(t, time.Second, func() bool { return len(client.identities()) == 1 })

	// A reset for the same connection enqueues but must not start while the
	// sync runs.
	persistence.EnqueueJob(ctx, "conn-1", models.JobConfigTypeResetConnection, nil)
	s.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if ids := client.identities(); len(ids) != 1 {
		t.Fatalf("workflow submissions = %v, want only the first job", ids)
	}
}
