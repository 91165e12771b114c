// The scheduler finds data-sync jobs that are due, launches them through the
// workflow runtime, retries failures under backoff, reaps jobs orphaned by
// prior crashes, and keeps attempt workspaces within retention.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/stanstork/stratum-scheduler/internal/config"
	"github.com/stanstork/stratum-scheduler/internal/configstore"
	"github.com/stanstork/stratum-scheduler/internal/migration"
	"github.com/stanstork/stratum-scheduler/internal/notification"
	"github.com/stanstork/stratum-scheduler/internal/process"
	"github.com/stanstork/stratum-scheduler/internal/repository"
	"github.com/stanstork/stratum-scheduler/internal/scheduler"
	"github.com/stanstork/stratum-scheduler/internal/temporal"
	"github.com/stanstork/stratum-scheduler/internal/temporal/activities"
	"github.com/stanstork/stratum-scheduler/internal/temporal/workflows"
	"github.com/stanstork/stratum-scheduler/internal/tracking"
	"github.com/stanstork/stratum-scheduler/internal/version"
)

const (
	gracefulShutdown = 30 * time.Second
	schedulingDelay  = 5 * time.Second
	cleaningDelay    = 2 * time.Hour

	// versionWaitAttempts bounds how long startup waits for the config
	// server to write the platform version (one second per attempt).
	versionWaitAttempts = 300
)

func main() {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger.Info().
		Str("workspace_root", cfg.WorkspaceRoot).
		Str("config_root", cfg.ConfigRoot).
		Str("temporal_host", cfg.TemporalHost).
		Str("worker_environment", string(cfg.WorkerEnvironment)).
		Msg("Starting scheduler")

	db := openDatabase(cfg, logger)
	defer db.Close()

	if err := migration.RunMigrations(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	factory := buildProcessFactory(cfg, logger)
	defer factory.Close()

	persistence := repository.NewJobPersistence(db)
	dbVersion := waitForVersion(persistence, logger)
	if err := version.AssertCompatible(cfg.Version, dbVersion); err != nil {
		logger.Fatal().Err(err).Msg("Version compatibility check failed")
	}

	configs, err := configstore.NewRepository(cfg.ConfigRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open config store")
	}

	var heartbeat *process.HeartbeatServer
	if cfg.WorkerEnvironment == config.WorkerEnvironmentKubernetes {
		heartbeat = process.NewHeartbeatServer(process.KubeHeartbeatPort, logger)
		heartbeat.StartBackground()
	}

	tracker := tracking.New(cfg.TrackingStrategy, nil, logger)

	notifiers := []notification.Notifier{notification.NewLogNotifier(logger)}
	if cfg.WebappURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebappURL))
	}
	notifier := notification.NewService(repository.NewNotificationRepository(db), logger, notifiers...)

	temporalClient, err := tc.Dial(tc.Options{
		HostPort: cfg.TemporalHost,
		Logger:   temporal.NewTemporalAdapter(logger),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}
	defer temporalClient.Close()

	temporalWorker := startTemporalWorker(temporalClient, factory, logger)
	defer temporalWorker.Stop()

	// Zombies must be gone before the dispatcher can hand out work, or a
	// submitter could pick up a stale RUNNING job.
	if err := scheduler.CleanupZombies(context.Background(), persistence, notifier, logger); err != nil {
		logger.Fatal().Err(err).Msg("Zombie cleanup failed")
	}

	pool := scheduler.NewWorkerPool(scheduler.DefaultMaxWorkers)
	retrier := scheduler.NewJobRetrier(persistence, notifier, time.Now, cfg.MaxSyncJobAttempts, logger)
	jobScheduler := scheduler.NewJobScheduler(persistence, configs, time.Now, logger)
	submitter := scheduler.NewJobSubmitter(persistence, temporal.NewClient(temporalClient), pool, tracker, cfg.WorkspaceRoot, logger)
	cleaner := scheduler.NewJobCleaner(cfg.Retention, cfg.WorkspaceRoot, persistence, time.Now, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// In-flight attempts run on their own context so a shutdown signal stops
	// new work immediately but gives running attempts the grace period
	// before they are cancelled.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	go fixedDelayLoop(ctx, 0, schedulingDelay, func() {
		retrier.Run(taskCtx)
		jobScheduler.Run(taskCtx)
		submitter.Run(taskCtx)
	})
	go fixedDelayLoop(ctx, cleaningDelay, cleaningDelay, func() {
		cleaner.Run(taskCtx)
	})

	logger.Info().Msg("Scheduler running")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdown)
	defer cancel()
	if err := pool.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("In-flight attempts did not finish in time, cancelling")
		cancelTasks()
	}
	if heartbeat != nil {
		if err := heartbeat.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Heartbeat server shutdown error")
		}
	}
	logger.Info().Msg("Scheduler terminated")
}

// openDatabase connects with exponential-backoff retry so the scheduler can
// start before its database finishes booting.
func openDatabase(cfg *config.Config, logger zerolog.Logger) *sql.DB {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	err = backoff.RetryNotify(
		func() error { return db.Ping() },
		policy,
		func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("Database not reachable yet")
		})
	if err != nil {
		logger.Fatal().Err(err).Msg("Database unreachable after retries")
	}
	return db
}

// waitForVersion polls until the config server has persisted the platform
// version, which signals that migrations have run.
func waitForVersion(persistence repository.JobPersistence, logger zerolog.Logger) string {
	ctx := context.Background()
	for i := 0; i < versionWaitAttempts; i++ {
		dbVersion, err := persistence.GetVersion(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to read platform version")
		} else if dbVersion != "" {
			return dbVersion
		}
		logger.Warn().Msg("Waiting for server to start...")
		time.Sleep(time.Second)
	}
	logger.Fatal().Msg("Unable to retrieve platform version, aborting")
	return ""
}

func buildProcessFactory(cfg *config.Config, logger zerolog.Logger) process.Factory {
	if cfg.WorkerEnvironment == config.WorkerEnvironmentKubernetes {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load in-cluster Kubernetes config")
		}
		kubeClient, err := kubernetes.NewForConfig(restConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Kubernetes client")
		}
		localIP, err := getOutboundIP()
		if err != nil {
			logger.Fatal().Err(err).Msg("Could not determine scheduler IP for heartbeat")
		}
		heartbeatURL := fmt.Sprintf("%s:%d", localIP, process.KubeHeartbeatPort)
		factory, err := process.NewKubeFactory(kubeClient, restConfig, "default", heartbeatURL,
			process.NewPortPool(cfg.WorkerPorts), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Kubernetes process factory")
		}
		return factory
	}

	factory, err := process.NewDockerFactory(cfg.WorkspaceRoot, cfg.WorkspaceDockerMount, cfg.LocalDockerMount, cfg.DockerNetwork, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Docker process factory")
	}
	return factory
}

func startTemporalWorker(client tc.Client, factory process.Factory, logger zerolog.Logger) worker.Worker {
	w := worker.New(client, temporal.TaskQueueName, worker.Options{})
	w.RegisterWorkflowWithOptions(workflows.AttemptWorkflow, sdkworkflow.RegisterOptions{Name: temporal.AttemptWorkflowName})
	w.RegisterActivity(&activities.Activities{Factory: factory})

	go func() {
		logger.Info().Msg("Starting Temporal worker...")
		if err := w.Run(worker.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()
	return w
}

// fixedDelayLoop runs fn, then waits delay before the next run: a slow tick
// never stacks ticks.
func fixedDelayLoop(ctx context.Context, initial, delay time.Duration, fn func()) {
	timer := time.NewTimer(initial)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn()
		timer.Reset(delay)
	}
}

func getOutboundIP() (string, error) {
	// Asks the kernel which local interface would route to this destination;
	// no packet is actually sent.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
