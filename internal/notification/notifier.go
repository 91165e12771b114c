package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}

// LogNotifier writes notifications to the scheduler log. Always active so an
// unconfigured deployment still surfaces job failures somewhere.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(ctx context.Context, notif models.Notification) error {
	event := n.logger.Warn()
	if notif.Severity == models.NotificationSeverityInfo {
		event = n.logger.Info()
	}
	event.
		Int64("job_id", notif.JobID).
		Str("scope", notif.Scope).
		Str("event_type", string(notif.EventType)).
		Msg(notif.Message)
	return nil
}

func (n *LogNotifier) String() string { return "log" }
