package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusIncomplete JobStatus = "INCOMPLETE"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// TerminalJobStatuses are the statuses a job never leaves.
var TerminalJobStatuses = []JobStatus{JobStatusFailed, JobStatusSucceeded, JobStatusCancelled}

func (s JobStatus) Terminal() bool {
	for _, t := range TerminalJobStatuses {
		if s == t {
			return true
		}
	}
	return false
}

type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "RUNNING"
	AttemptStatusFailed    AttemptStatus = "FAILED"
	AttemptStatusSucceeded AttemptStatus = "SUCCEEDED"
)

type JobConfigType string

const (
	JobConfigTypeSync            JobConfigType = "SYNC"
	JobConfigTypeResetConnection JobConfigType = "RESET_CONNECTION"
	JobConfigTypeGetSpec         JobConfigType = "GET_SPEC"
	JobConfigTypeCheckConnection JobConfigType = "CHECK_CONNECTION"
	JobConfigTypeDiscoverSchema  JobConfigType = "DISCOVER_SCHEMA"
)

// Job is one invocation of work for a connection. Its scope is the
// connection ID it runs for; its status is derived from its attempts and
// only ever mutated through the persistence layer.
type Job struct {
	ID         int64           `json:"id" db:"id"`
	Scope      string          `json:"scope" db:"scope"`
	ConfigType JobConfigType   `json:"config_type" db:"config_type"`
	Config     json.RawMessage `json:"config" db:"config"`
	Status     JobStatus       `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	Attempts   []Attempt       `json:"attempts,omitempty"`
}

// LastAttempt returns the attempt with the highest number, or nil when the
// job has none.
func (j *Job) LastAttempt() *Attempt {
	if len(j.Attempts) == 0 {
		return nil
	}
	return &j.Attempts[len(j.Attempts)-1]
}

// FailedAttemptCount counts attempts that ended in failure.
func (j *Job) FailedAttemptCount() int {
	n := 0
	for _, a := range j.Attempts {
		if a.Status == AttemptStatusFailed {
			n++
		}
	}
	return n
}

// Attempt is one execution try of a job. Attempt numbers are dense from 0.
type Attempt struct {
	JobID     int64           `json:"job_id" db:"job_id"`
	Number    int             `json:"attempt_number" db:"attempt_number"`
	Status    AttemptStatus   `json:"status" db:"status"`
	LogPath   string          `json:"log_path" db:"log_path"`
	Output    json.RawMessage `json:"output,omitempty" db:"output"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
}

// SyncJobConfig is the payload of SYNC and RESET_CONNECTION jobs. It is
// resolved from the config store at enqueue time so the attempt runs against
// the configuration that was current when the job was scheduled.
type SyncJobConfig struct {
	ConnectionID         string          `json:"connection_id"`
	SourceImage          string          `json:"source_image"`
	DestinationImage     string          `json:"destination_image"`
	SourceConfiguration  json.RawMessage `json:"source_configuration"`
	DestConfiguration    json.RawMessage `json:"destination_configuration"`
	ConfiguredCatalog    json.RawMessage `json:"configured_catalog"`
	NormalizationEnabled bool            `json:"normalization_enabled,omitempty"`
}

// CheckJobConfig is the payload of CHECK_CONNECTION jobs.
type CheckJobConfig struct {
	Image         string          `json:"image"`
	Configuration json.RawMessage `json:"configuration"`
}

// DiscoverJobConfig is the payload of DISCOVER_SCHEMA jobs.
type DiscoverJobConfig struct {
	Image         string          `json:"image"`
	Configuration json.RawMessage `json:"configuration"`
}

// SpecJobConfig is the payload of GET_SPEC jobs.
type SpecJobConfig struct {
	Image string `json:"image"`
}

// AttemptOutput is the captured result of a finished attempt. Exactly one of
// the payload fields is populated, matching the job's config type.
type AttemptOutput struct {
	Sync    *SyncSummary    `json:"sync,omitempty"`
	Catalog json.RawMessage `json:"catalog,omitempty"`
	Spec    json.RawMessage `json:"spec,omitempty"`
	Check   *CheckResult    `json:"check,omitempty"`
}

type SyncSummary struct {
	RecordsSynced int64     `json:"records_synced"`
	BytesSynced   int64     `json:"bytes_synced"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

type CheckResult struct {
	Succeeded bool   `json:"succeeded"`
	Message   string `json:"message,omitempty"`
}
