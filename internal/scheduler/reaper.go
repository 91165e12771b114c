package scheduler

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/notification"
	"github.com/stanstork/stratum-scheduler/internal/repository"
)

// CleanupZombies cancels jobs left RUNNING by a previous process: no worker
// monitors them anymore, and their workflow never delivered a terminal
// signal, so failure attribution is ambiguous and they are cancelled rather
// than failed. Must run to completion before the dispatch loop starts.
func CleanupZombies(ctx context.Context, persistence repository.JobPersistence, notifier notification.Service, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "zombie_reaper").Logger()

	zombies, err := persistence.ListJobsWithStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return err
	}
	for i := range zombies {
		job := &zombies[i]
		if err := notifier.JobCancelled(ctx, "zombie job was cancelled", job); err != nil {
			logger.Warn().Err(err).Int64("job_id", job.ID).Msg("zombie notification failed")
		}
		if err := persistence.CancelJob(ctx, job.ID); err != nil {
			return err
		}
		logger.Info().Int64("job_id", job.ID).Str("scope", job.Scope).Msg("cancelled zombie job")
	}
	return nil
}
