package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/repository"
	"github.com/stanstork/stratum-scheduler/internal/temporal"
)

// fakePersistence is an in-memory JobPersistence with the same transition
// rules as the SQL implementation.
type fakePersistence struct {
	mu            sync.Mutex
	nextID        int64
	jobs          map[int64]*models.Job
	version       string
	now           func() time.Time
	attemptStarts int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		nextID: 1,
		jobs:   make(map[int64]*models.Job),
		now:    time.Now,
	}
}

func (f *fakePersistence) EnqueueJob(ctx context.Context, scope string, configType models.JobConfigType, config json.RawMessage) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.Scope == scope && job.ConfigType == configType && !job.Status.Terminal() {
			return 0, false, nil
		}
	}
	id := f.nextID
	f.nextID++
	now := f.now()
	f.jobs[id] = &models.Job{
		ID:         id,
		Scope:      scope,
		ConfigType: configType,
		Config:     config,
		Status:     models.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id, true, nil
}

func (f *fakePersistence) CreateAttempt(ctx context.Context, jobID int64, logPath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusIncomplete {
		return 0, &repository.ErrInvalidTransition{JobID: jobID, Reason: "cannot create attempt"}
	}
	f.attemptStarts++
	number := len(job.Attempts)
	now := f.now()
	job.Attempts = append(job.Attempts, models.Attempt{
		JobID:     jobID,
		Number:    number,
		Status:    models.AttemptStatusRunning,
		LogPath:   logPath,
		CreatedAt: now,
		UpdatedAt: now,
	})
	job.Status = models.JobStatusRunning
	return number, nil
}

func (f *fakePersistence) FailAttempt(ctx context.Context, jobID int64, attemptNumber int) error {
	return f.closeAttempt(jobID, attemptNumber, models.AttemptStatusFailed, models.JobStatusIncomplete, nil)
}

func (f *fakePersistence) SucceedAttempt(ctx context.Context, jobID int64, attemptNumber int, output json.RawMessage) error {
	return f.closeAttempt(jobID, attemptNumber, models.AttemptStatusSucceeded, models.JobStatusSucceeded, output)
}

func (f *fakePersistence) closeAttempt(jobID int64, attemptNumber int, attemptStatus models.AttemptStatus, jobStatus models.JobStatus, output json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d not found", jobID)
	}
	if attemptNumber >= len(job.Attempts) {
		return &repository.ErrInvalidTransition{JobID: jobID, Reason: "attempt does not exist"}
	}
	now := f.now()
	attempt := &job.Attempts[attemptNumber]
	attempt.Status = attemptStatus
	attempt.Output = output
	attempt.EndedAt = &now
	attempt.UpdatedAt = now
	if !job.Status.Terminal() {
		job.Status = jobStatus
		job.UpdatedAt = now
	}
	return nil
}

func (f *fakePersistence) CancelJob(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d not found", jobID)
	}
	if job.Status.Terminal() {
		return nil
	}
	now := f.now()
	for i := range job.Attempts {
		if job.Attempts[i].Status == models.AttemptStatusRunning {
			job.Attempts[i].Status = models.AttemptStatusFailed
			job.Attempts[i].EndedAt = &now
		}
	}
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = now
	return nil
}

func (f *fakePersistence) FailJob(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d not found", jobID)
	}
	if !job.Status.Terminal() {
		job.Status = models.JobStatusFailed
		job.UpdatedAt = f.now()
	}
	return nil
}

func (f *fakePersistence) ResetJob(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != models.JobStatusIncomplete {
		return &repository.ErrInvalidTransition{JobID: jobID, Reason: "only INCOMPLETE jobs can return to PENDING"}
	}
	job.Status = models.JobStatusPending
	job.UpdatedAt = f.now()
	return nil
}

func (f *fakePersistence) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	dup := *job
	return &dup, nil
}

func (f *fakePersistence) ListJobsWithStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []models.Job
	for _, job := range f.jobs {
		if job.Status == status {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (f *fakePersistence) ListJobs(ctx context.Context, configType models.JobConfigType, scope string, pageSize, offset int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []models.Job
	for _, job := range f.jobs {
		if job.ConfigType == configType && job.Scope == scope {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
	if offset > len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if pageSize > 0 && len(jobs) > pageSize {
		jobs = jobs[:pageSize]
	}
	return jobs, nil
}

func (f *fakePersistence) GetNextJob(ctx context.Context) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running := make(map[string]bool)
	for _, job := range f.jobs {
		if job.Status == models.JobStatusRunning {
			running[job.Scope] = true
		}
	}
	var candidate *models.Job
	for _, job := range f.jobs {
		if job.Status != models.JobStatusPending || running[job.Scope] {
			continue
		}
		if candidate == nil || job.ID < candidate.ID {
			candidate = job
		}
	}
	if candidate == nil {
		return nil, nil
	}
	dup := *candidate
	return &dup, nil
}

func (f *fakePersistence) GetLastReplicationJob(ctx context.Context, scope string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *models.Job
	for _, job := range f.jobs {
		if job.Scope != scope || !job.Status.Terminal() {
			continue
		}
		if job.ConfigType != models.JobConfigTypeSync && job.ConfigType != models.JobConfigTypeResetConnection {
			continue
		}
		if last == nil || job.ID > last.ID {
			last = job
		}
	}
	if last == nil {
		return nil, nil
	}
	dup := *last
	return &dup, nil
}

func (f *fakePersistence) GetVersion(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

func (f *fakePersistence) SetVersion(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = version
	return nil
}

func (f *fakePersistence) attemptCreations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attemptStarts
}

var _ repository.JobPersistence = (*fakePersistence)(nil)

// fakeNotifier records notifications instead of delivering them.
type fakeNotifier struct {
	mu        sync.Mutex
	failed    []int64
	cancelled []int64
}

func (n *fakeNotifier) JobFailed(ctx context.Context, reason string, job *models.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ID)
	return nil
}

func (n *fakeNotifier) JobCancelled(ctx context.Context, reason string, job *models.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, job.ID)
	return nil
}

// fakeWorkflowClient resolves submissions from a scripted handler.
type fakeWorkflowClient struct {
	mu         sync.Mutex
	submitted  []string
	handler    func(identity string, input temporal.AttemptInput) (*models.AttemptOutput, error)
	blockUntil chan struct{}
}

func (c *fakeWorkflowClient) SubmitAttempt(ctx context.Context, identity string, input temporal.AttemptInput) (*models.AttemptOutput, error) {
	c.mu.Lock()
	c.submitted = append(c.submitted, identity)
	handler := c.handler
	block := c.blockUntil
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if handler == nil {
		return &models.AttemptOutput{}, nil
	}
	return handler(identity, input)
}

func (c *fakeWorkflowClient) Close() {}

func (c *fakeWorkflowClient) identities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.submitted...)
}

// fakeTracker counts lifecycle events.
type fakeTracker struct {
	mu        sync.Mutex
	started   int
	succeeded int
	failed    int
}

func (t *fakeTracker) JobStarted(job *models.Job, attemptNumber int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started++
}

func (t *fakeTracker) JobSucceeded(job *models.Job, attemptNumber int, output *models.AttemptOutput, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.succeeded++
}

func (t *fakeTracker) JobFailed(job *models.Job, attemptNumber int, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed++
}
