package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/repository"
)

// Service persists job notifications and fans them out to the configured
// channels. Persistence happens first: delivery failures are logged and the
// row remains for reconciliation.
type Service interface {
	JobFailed(ctx context.Context, reason string, job *models.Job) error
	JobCancelled(ctx context.Context, reason string, job *models.Job) error
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) JobFailed(ctx context.Context, reason string, job *models.Job) error {
	return s.publish(ctx, models.NotificationEventJobFailed, models.NotificationSeverityError,
		fmt.Sprintf("Job %d failed", job.ID), reason, job)
}

func (s *service) JobCancelled(ctx context.Context, reason string, job *models.Job) error {
	return s.publish(ctx, models.NotificationEventJobCancelled, models.NotificationSeverityWarning,
		fmt.Sprintf("Job %d cancelled", job.ID), reason, job)
}

func (s *service) publish(ctx context.Context, event models.NotificationEvent, severity models.NotificationSeverity, title, message string, job *models.Job) error {
	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		JobID:    job.ID,
		Scope:    job.Scope,
		Event:    event,
		Severity: severity,
		Title:    title,
		Message:  message,
		Metadata: map[string]interface{}{
			"config_type": string(job.ConfigType),
			"attempts":    len(job.Attempts),
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", job.ID).Str("event_type", string(event)).
			Msg("failed to persist notification")
		return err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return nil
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
