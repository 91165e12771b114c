// Package scheduler contains the dispatch-side components: the scheduler
// that turns connection cadences into PENDING jobs, the retrier that
// advances failed attempts, the submitter that hands jobs to the workflow
// runtime, the zombie reaper, and the workspace cleaner.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/configstore"
	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/repository"
)

// JobScheduler enqueues a SYNC job for every active connection whose next
// scheduled tick has been reached.
type JobScheduler struct {
	persistence repository.JobPersistence
	configs     *configstore.Repository
	now         func() time.Time
	logger      zerolog.Logger
}

func NewJobScheduler(persistence repository.JobPersistence, configs *configstore.Repository, now func() time.Time, logger zerolog.Logger) *JobScheduler {
	if now == nil {
		now = time.Now
	}
	return &JobScheduler{
		persistence: persistence,
		configs:     configs,
		now:         now,
		logger:      logger.With().Str("component", "job_scheduler").Logger(),
	}
}

// Run walks all connections once. Per-connection errors are logged and the
// tick proceeds with the remaining connections.
func (s *JobScheduler) Run(ctx context.Context) {
	connections, err := s.configs.ListConnections()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list connections")
		return
	}

	for i := range connections {
		conn := &connections[i]
		if err := s.scheduleConnection(ctx, conn); err != nil {
			s.logger.Warn().Err(err).Str("connection_id", conn.ConnectionID).
				Msg("failed to schedule connection")
		}
	}
}

func (s *JobScheduler) scheduleConnection(ctx context.Context, conn *models.Connection) error {
	if conn.Status != models.ConnectionStatusActive {
		return nil
	}
	if conn.Manual || conn.Schedule == nil {
		return nil
	}

	interval, err := conn.Schedule.Interval()
	if err != nil {
		return err
	}

	lastJob, err := s.persistence.GetLastReplicationJob(ctx, conn.ConnectionID)
	if err != nil {
		return err
	}

	// No prior run means the connection syncs on its first tick.
	var lastEnded time.Time
	if lastJob != nil {
		lastEnded = lastJob.UpdatedAt
		if attempt := lastJob.LastAttempt(); attempt != nil && attempt.EndedAt != nil {
			lastEnded = *attempt.EndedAt
		}
	}
	if s.now().Sub(lastEnded) < interval {
		return nil
	}

	config, err := s.buildSyncConfig(conn)
	if err != nil {
		return err
	}

	jobID, created, err := s.persistence.EnqueueJob(ctx, conn.ConnectionID, models.JobConfigTypeSync, config)
	if err != nil {
		return err
	}
	// The uniqueness guard silently suppresses duplicates while a sync for
	// this connection is still in flight.
	if created {
		s.logger.Info().Int64("job_id", jobID).Str("connection_id", conn.ConnectionID).
			Msg("enqueued scheduled sync")
	}
	return nil
}

// buildSyncConfig resolves the connection's source and destination down to
// their connector images and configuration blobs at enqueue time.
func (s *JobScheduler) buildSyncConfig(conn *models.Connection) (json.RawMessage, error) {
	source, err := s.configs.GetSourceConnection(conn.SourceID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve source")
	}
	sourceDef, err := s.configs.GetSourceDefinition(source.SourceDefinitionID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve source definition")
	}
	dest, err := s.configs.GetDestinationConnection(conn.DestinationID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve destination")
	}
	destDef, err := s.configs.GetDestinationDefinition(dest.DestinationDefinitionID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve destination definition")
	}

	config := models.SyncJobConfig{
		ConnectionID:        conn.ConnectionID,
		SourceImage:         sourceDef.ImageName(),
		DestinationImage:    destDef.ImageName(),
		SourceConfiguration: source.Configuration,
		DestConfiguration:   dest.Configuration,
		ConfiguredCatalog:   conn.Catalog,
	}
	return json.Marshal(config)
}
