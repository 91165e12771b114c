package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/repository"
	"github.com/stanstork/stratum-scheduler/internal/temporal"
	"github.com/stanstork/stratum-scheduler/internal/tracking"
)

const DefaultMaxWorkers = 4

// JobSubmitter drains PENDING jobs into the workflow runtime. Each job gets
// a fresh attempt, a clean workspace directory, and one worker-pool slot for
// the duration of its workflow.
type JobSubmitter struct {
	persistence   repository.JobPersistence
	client        temporal.Client
	pool          *WorkerPool
	tracker       tracking.Tracker
	workspaceRoot string
	logger        zerolog.Logger
}

func NewJobSubmitter(persistence repository.JobPersistence, client temporal.Client, pool *WorkerPool, tracker tracking.Tracker, workspaceRoot string, logger zerolog.Logger) *JobSubmitter {
	return &JobSubmitter{
		persistence:   persistence,
		client:        client,
		pool:          pool,
		tracker:       tracker,
		workspaceRoot: workspaceRoot,
		logger:        logger.With().Str("component", "job_submitter").Logger(),
	}
}

// Run submits eligible jobs until the queue is empty or the pool is
// saturated. A slot is claimed before the job is dequeued so a job is never
// pulled out of PENDING without a worker to run it. The attempt is created
// here, on the dispatch thread, so the job is already RUNNING before the
// next GetNextJob call; only the workflow itself runs on the pool.
func (s *JobSubmitter) Run(ctx context.Context) {
	for {
		if !s.pool.TryAcquire() {
			return
		}

		job, err := s.persistence.GetNextJob(ctx)
		if err != nil {
			s.pool.Release()
			s.logger.Warn().Err(err).Msg("failed to fetch next job")
			return
		}
		if job == nil {
			s.pool.Release()
			return
		}

		attemptNumber, attemptRoot, err := s.createAttempt(ctx, job)
		if err != nil {
			s.pool.Release()
			s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to create attempt")
			return
		}

		go func(job *models.Job) {
			defer s.pool.Release()
			if err := s.runAttempt(ctx, job, attemptNumber, attemptRoot); err != nil {
				s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("job submission failed")
			}
		}(job)
	}
}

// createAttempt records the next attempt and prepares its workspace. Attempt
// numbers are dense, so the next one is the count of what GetNextJob loaded;
// CreateAttempt's own transaction is the arbiter and moves the job to
// RUNNING. The workspace is only wiped after that guard passes, so a
// rejected submission can never touch a live attempt's directory.
func (s *JobSubmitter) createAttempt(ctx context.Context, job *models.Job) (int, string, error) {
	jobRoot := filepath.Join(s.workspaceRoot, strconv.FormatInt(job.ID, 10))
	attemptNumber := len(job.Attempts)
	attemptRoot := filepath.Join(jobRoot, strconv.Itoa(attemptNumber))

	created, err := s.persistence.CreateAttempt(ctx, job.ID, attemptRoot)
	if err != nil {
		return 0, "", errors.Wrap(err, "failed to create attempt")
	}
	if created != attemptNumber {
		return 0, "", errors.Errorf("attempt number mismatch: expected %d, persistence created %d", attemptNumber, created)
	}
	if err := resetDir(attemptRoot); err != nil {
		// The attempt row exists but can never run; close it so the job
		// does not sit in RUNNING until the next restart's reaper.
		if failErr := s.persistence.FailAttempt(ctx, job.ID, created); failErr != nil {
			s.logger.Error().Err(failErr).Int64("job_id", job.ID).Msg("failed to close unrunnable attempt")
		}
		return 0, "", errors.Wrap(err, "failed to prepare workspace")
	}
	return attemptNumber, attemptRoot, nil
}

func (s *JobSubmitter) runAttempt(ctx context.Context, job *models.Job, attemptNumber int, attemptRoot string) error {
	s.tracker.JobStarted(job, attemptNumber)
	started := time.Now()

	identity := WorkflowIdentity(job.Scope, job.ID, attemptNumber)
	output, err := s.client.SubmitAttempt(ctx, identity, temporal.AttemptInput{
		JobID:         job.ID,
		AttemptNumber: attemptNumber,
		Scope:         job.Scope,
		ConfigType:    job.ConfigType,
		Config:        job.Config,
		JobRoot:       attemptRoot,
	})
	duration := time.Since(started)

	if err != nil {
		s.tracker.JobFailed(job, attemptNumber, duration)
		if failErr := s.persistence.FailAttempt(ctx, job.ID, attemptNumber); failErr != nil {
			return errors.Wrapf(failErr, "workflow failed (%v) and attempt could not be marked failed", err)
		}
		return err
	}

	outputJSON, err := marshalOutput(output)
	if err != nil {
		return err
	}
	if err := s.persistence.SucceedAttempt(ctx, job.ID, attemptNumber, outputJSON); err != nil {
		return errors.Wrap(err, "failed to record successful attempt")
	}
	s.tracker.JobSucceeded(job, attemptNumber, output, duration)
	return nil
}

// WorkflowIdentity is the deterministic workflow ID for an attempt; the
// runtime deduplicates resubmissions on it.
func WorkflowIdentity(scope string, jobID int64, attemptNumber int) string {
	return fmt.Sprintf("connection-%s-%d-%d", scope, jobID, attemptNumber)
}

func resetDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return os.MkdirAll(path, 0755)
}

func marshalOutput(output *models.AttemptOutput) ([]byte, error) {
	if output == nil {
		return nil, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal attempt output")
	}
	return data, nil
}
