package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/notification"
	"github.com/stanstork/stratum-scheduler/internal/repository"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBase    = 10 * time.Second
	DefaultRetryCeiling = 10 * time.Minute
)

// JobRetrier advances INCOMPLETE jobs: back to PENDING once the backoff has
// elapsed, or to terminal FAILED once the retry budget is spent.
type JobRetrier struct {
	persistence repository.JobPersistence
	notifier    notification.Service
	now         func() time.Time
	maxAttempts int
	base        time.Duration
	ceiling     time.Duration
	logger      zerolog.Logger
}

func NewJobRetrier(persistence repository.JobPersistence, notifier notification.Service, now func() time.Time, maxAttempts int, logger zerolog.Logger) *JobRetrier {
	if now == nil {
		now = time.Now
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &JobRetrier{
		persistence: persistence,
		notifier:    notifier,
		now:         now,
		maxAttempts: maxAttempts,
		base:        DefaultRetryBase,
		ceiling:     DefaultRetryCeiling,
		logger:      logger.With().Str("component", "job_retrier").Logger(),
	}
}

func (r *JobRetrier) Run(ctx context.Context) {
	jobs, err := r.persistence.ListJobsWithStatus(ctx, models.JobStatusIncomplete)
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to list incomplete jobs")
		return
	}
	for i := range jobs {
		if err := r.advance(ctx, &jobs[i]); err != nil {
			r.logger.Warn().Err(err).Int64("job_id", jobs[i].ID).Msg("failed to advance job")
		}
	}
}

func (r *JobRetrier) advance(ctx context.Context, job *models.Job) error {
	failed := job.FailedAttemptCount()
	if failed >= r.maxAttempts {
		if err := r.persistence.FailJob(ctx, job.ID); err != nil {
			return err
		}
		r.logger.Info().Int64("job_id", job.ID).Int("attempts", failed).Msg("retry budget exhausted")
		return r.notifier.JobFailed(ctx, "job failed after retries", job)
	}

	last := job.LastAttempt()
	if last == nil || last.EndedAt == nil {
		// An INCOMPLETE job always has a finished attempt; anything else is
		// a state the reaper should have cleaned up.
		r.logger.Error().Int64("job_id", job.ID).Msg("incomplete job without ended attempt")
		return nil
	}
	if r.now().Sub(*last.EndedAt) < Backoff(failed, r.base, r.ceiling) {
		return nil
	}
	return r.persistence.ResetJob(ctx, job.ID)
}

// Backoff returns the wait before retry n (1-based count of failures):
// min(base * 2^(n-1), ceiling).
func Backoff(failures int, base, ceiling time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
