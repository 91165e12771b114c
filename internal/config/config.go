package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type WorkerEnvironment string

const (
	WorkerEnvironmentDocker     WorkerEnvironment = "DOCKER"
	WorkerEnvironmentKubernetes WorkerEnvironment = "KUBERNETES"
)

// WorkspaceRetention bounds how long and how large attempt workspaces may
// grow before the cleaner reclaims them.
type WorkspaceRetention struct {
	MinAge  time.Duration
	MaxAge  time.Duration
	MaxSize int64 // bytes
}

type Config struct {
	WorkspaceRoot     string
	LocalRoot         string
	ConfigRoot        string
	DatabaseURL       string
	DatabaseUser      string
	DatabasePassword  string
	WorkerEnvironment WorkerEnvironment
	TemporalHost      string
	Version           string
	Role              string
	TrackingStrategy  string
	WebappURL         string

	WorkspaceDockerMount string
	LocalDockerMount     string
	DockerNetwork        string

	WorkerPorts []int

	MaxSyncJobAttempts int
	Retention          WorkspaceRetention
}

// Load resolves the scheduler configuration from the environment. Mandatory
// keys missing is a startup-fatal condition and surfaces as an error here so
// main can exit non-zero.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("TEMPORAL_HOST", "localhost:7233")
	v.SetDefault("WORKER_ENVIRONMENT", string(WorkerEnvironmentDocker))
	v.SetDefault("TRACKING_STRATEGY", "LOGGING")
	v.SetDefault("STRATUM_ROLE", "")
	v.SetDefault("MAX_SYNC_JOB_ATTEMPTS", 3)
	v.SetDefault("WORKSPACE_RETENTION_MIN_AGE_HOURS", 24)
	v.SetDefault("WORKSPACE_RETENTION_MAX_AGE_HOURS", 24*30)
	v.SetDefault("WORKSPACE_RETENTION_MAX_SIZE_MB", 5*1024)

	cfg := &Config{
		WorkspaceRoot:        v.GetString("WORKSPACE_ROOT"),
		LocalRoot:            v.GetString("LOCAL_ROOT"),
		ConfigRoot:           v.GetString("CONFIG_ROOT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		DatabaseUser:         v.GetString("DATABASE_USER"),
		DatabasePassword:     v.GetString("DATABASE_PASSWORD"),
		WorkerEnvironment:    WorkerEnvironment(strings.ToUpper(v.GetString("WORKER_ENVIRONMENT"))),
		TemporalHost:         v.GetString("TEMPORAL_HOST"),
		Version:              v.GetString("STRATUM_VERSION"),
		Role:                 v.GetString("STRATUM_ROLE"),
		TrackingStrategy:     strings.ToUpper(v.GetString("TRACKING_STRATEGY")),
		WebappURL:            v.GetString("WEBAPP_URL"),
		WorkspaceDockerMount: v.GetString("WORKSPACE_DOCKER_MOUNT"),
		LocalDockerMount:     v.GetString("LOCAL_DOCKER_MOUNT"),
		DockerNetwork:        v.GetString("DOCKER_NETWORK"),
		MaxSyncJobAttempts:   v.GetInt("MAX_SYNC_JOB_ATTEMPTS"),
		Retention: WorkspaceRetention{
			MinAge:  time.Duration(v.GetInt("WORKSPACE_RETENTION_MIN_AGE_HOURS")) * time.Hour,
			MaxAge:  time.Duration(v.GetInt("WORKSPACE_RETENTION_MAX_AGE_HOURS")) * time.Hour,
			MaxSize: v.GetInt64("WORKSPACE_RETENTION_MAX_SIZE_MB") * 1024 * 1024,
		},
	}

	for key, value := range map[string]string{
		"WORKSPACE_ROOT": cfg.WorkspaceRoot,
		"CONFIG_ROOT":    cfg.ConfigRoot,
		"DATABASE_URL":   cfg.DatabaseURL,
	} {
		if value == "" {
			return nil, fmt.Errorf("%s must be set", key)
		}
	}

	switch cfg.WorkerEnvironment {
	case WorkerEnvironmentDocker, WorkerEnvironmentKubernetes:
	default:
		return nil, fmt.Errorf("WORKER_ENVIRONMENT must be DOCKER or KUBERNETES, got %q", cfg.WorkerEnvironment)
	}

	ports, err := parsePorts(v.GetString("TEMPORAL_WORKER_PORTS"))
	if err != nil {
		return nil, err
	}
	cfg.WorkerPorts = ports
	if cfg.WorkerEnvironment == WorkerEnvironmentKubernetes && len(cfg.WorkerPorts) == 0 {
		return nil, fmt.Errorf("TEMPORAL_WORKER_PORTS must be set when WORKER_ENVIRONMENT=KUBERNETES")
	}

	if cfg.WorkspaceDockerMount == "" {
		cfg.WorkspaceDockerMount = cfg.WorkspaceRoot
	}
	if cfg.LocalDockerMount == "" {
		cfg.LocalDockerMount = cfg.LocalRoot
	}

	return cfg, nil
}

func parsePorts(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ports []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("TEMPORAL_WORKER_PORTS entry %q: %w", part, err)
		}
		ports = append(ports, port)
	}
	return ports, nil
}
