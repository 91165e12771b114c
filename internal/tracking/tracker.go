// Package tracking emits job lifecycle events. The tracker is an explicit
// dependency handed to the components that emit events, never a process-wide
// singleton.
package tracking

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

type Tracker interface {
	JobStarted(job *models.Job, attemptNumber int)
	JobSucceeded(job *models.Job, attemptNumber int, output *models.AttemptOutput, duration time.Duration)
	JobFailed(job *models.Job, attemptNumber int, duration time.Duration)
}

// New builds the tracker for the configured strategy. Unknown strategies
// fall back to logging so a misconfigured deployment still records events.
func New(strategy string, registry prometheus.Registerer, logger zerolog.Logger) Tracker {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	switch strategy {
	case "LOGGING", "":
	default:
		logger.Warn().Str("strategy", strategy).Msg("unknown tracking strategy, falling back to LOGGING")
	}
	return newMetricsTracker(registry, logger)
}

type metricsTracker struct {
	logger zerolog.Logger

	jobsStarted   *prometheus.CounterVec
	jobsSucceeded *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	recordsSynced prometheus.Counter
}

func newMetricsTracker(registry prometheus.Registerer, logger zerolog.Logger) *metricsTracker {
	t := &metricsTracker{
		logger: logger.With().Str("component", "tracking").Logger(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_started_total",
			Help: "Attempts handed to the workflow runtime.",
		}, []string{"config_type"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_succeeded_total",
			Help: "Attempts that finished successfully.",
		}, []string{"config_type"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_jobs_failed_total",
			Help: "Attempts that finished in failure.",
		}, []string{"config_type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_attempt_duration_seconds",
			Help:    "Wall-clock duration of finished attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"config_type", "outcome"}),
		recordsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_records_synced_total",
			Help: "Records moved by successful sync attempts.",
		}),
	}
	registry.MustRegister(t.jobsStarted, t.jobsSucceeded, t.jobsFailed, t.duration, t.recordsSynced)
	return t
}

func (t *metricsTracker) JobStarted(job *models.Job, attemptNumber int) {
	t.jobsStarted.WithLabelValues(string(job.ConfigType)).Inc()
	t.logger.Info().
		Int64("job_id", job.ID).
		Str("scope", job.Scope).
		Str("config_type", string(job.ConfigType)).
		Int("attempt", attemptNumber).
		Msg("attempt started")
}

func (t *metricsTracker) JobSucceeded(job *models.Job, attemptNumber int, output *models.AttemptOutput, duration time.Duration) {
	t.jobsSucceeded.WithLabelValues(string(job.ConfigType)).Inc()
	t.duration.WithLabelValues(string(job.ConfigType), "succeeded").Observe(duration.Seconds())

	event := t.logger.Info().
		Int64("job_id", job.ID).
		Str("scope", job.Scope).
		Str("config_type", string(job.ConfigType)).
		Int("attempt", attemptNumber).
		Dur("duration", duration)
	if output != nil && output.Sync != nil {
		t.recordsSynced.Add(float64(output.Sync.RecordsSynced))
		event = event.
			Int64("records_synced", output.Sync.RecordsSynced).
			Int64("bytes_synced", output.Sync.BytesSynced)
	}
	event.Msg("attempt succeeded")
}

func (t *metricsTracker) JobFailed(job *models.Job, attemptNumber int, duration time.Duration) {
	t.jobsFailed.WithLabelValues(string(job.ConfigType)).Inc()
	t.duration.WithLabelValues(string(job.ConfigType), "failed").Observe(duration.Seconds())
	t.logger.Warn().
		Int64("job_id", job.ID).
		Str("scope", job.Scope).
		Str("config_type", string(job.ConfigType)).
		Int("attempt", attemptNumber).
		Dur("duration", duration).
		Msg("attempt failed")
}
