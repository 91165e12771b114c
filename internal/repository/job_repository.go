package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

// ErrInvalidTransition reports an attempted job or attempt mutation that the
// lifecycle state machine forbids. Callers treat it as a logic error: the
// current dispatch tick aborts, the process keeps running.
type ErrInvalidTransition struct {
	JobID  int64
	Reason string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition for job %d: %s", e.JobID, e.Reason)
}

// JobPersistence is the transactional store of jobs and attempts. It is the
// only writer of job state; every method is a single database transaction
// and readers observe committed state only.
type JobPersistence interface {
	// EnqueueJob creates a PENDING job for the scope. It returns (0, false,
	// nil) when a non-terminal job of the same config type already exists
	// for that scope.
	EnqueueJob(ctx context.Context, scope string, configType models.JobConfigType, config json.RawMessage) (int64, bool, error)

	// CreateAttempt adds the next attempt to a PENDING or INCOMPLETE job and
	// transitions the job to RUNNING. Any other job status yields an
	// ErrInvalidTransition.
	CreateAttempt(ctx context.Context, jobID int64, logPath string) (int, error)

	// FailAttempt closes the attempt as FAILED and moves the job to
	// INCOMPLETE. Whether the job later terminalizes is the retrier's call.
	FailAttempt(ctx context.Context, jobID int64, attemptNumber int) error

	// SucceedAttempt closes the attempt as SUCCEEDED with its output and
	// terminalizes the job as SUCCEEDED.
	SucceedAttempt(ctx context.Context, jobID int64, attemptNumber int, output json.RawMessage) error

	// CancelJob terminalizes the job as CANCELLED and fails any RUNNING
	// attempt. A no-op when the job is already terminal.
	CancelJob(ctx context.Context, jobID int64) error

	// FailJob terminalizes the job as FAILED. Used when the retry budget is
	// exhausted. A no-op when the job is already terminal.
	FailJob(ctx context.Context, jobID int64) error

	// ResetJob moves an INCOMPLETE job back to PENDING so the submitter can
	// pick it up again.
	ResetJob(ctx context.Context, jobID int64) error

	GetJob(ctx context.Context, jobID int64) (*models.Job, error)

	// ListJobsWithStatus returns jobs in the given status ordered by
	// creation time ascending, attempts included.
	ListJobsWithStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)

	// ListJobs pages through jobs of a config type for a scope, newest
	// first.
	ListJobs(ctx context.Context, configType models.JobConfigType, scope string, pageSize, offset int) ([]models.Job, error)

	// GetNextJob returns the oldest PENDING job whose scope has no RUNNING
	// job, or nil. The SKIP LOCKED row lock serializes concurrent pollers
	// while the select runs, but it is released on return: the caller must
	// move the job out of PENDING (CreateAttempt) before polling again, or
	// the same job will be handed out twice.
	GetNextJob(ctx context.Context) (*models.Job, error)

	// GetLastReplicationJob returns the most recent terminal SYNC or reset
	// job for the scope, or nil when the connection has never run.
	GetLastReplicationJob(ctx context.Context, scope string) (*models.Job, error)

	// GetVersion reads the persisted platform version; empty when the config
	// server has not written it yet.
	GetVersion(ctx context.Context) (string, error)
	SetVersion(ctx context.Context, version string) error
}

type jobPersistence struct {
	db *sql.DB
}

func NewJobPersistence(db *sql.DB) JobPersistence {
	return &jobPersistence{db: db}
}

const jobColumns = `j.id, j.scope, j.config_type, j.config, j.status, j.created_at, j.updated_at`

func (p *jobPersistence) EnqueueJob(ctx context.Context, scope string, configType models.JobConfigType, config json.RawMessage) (int64, bool, error) {
	const query = `
		INSERT INTO jobs (scope, config_type, config, status)
		SELECT $1, $2, $3, 'PENDING'
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE scope = $1
			  AND config_type = $2
			  AND status NOT IN ('FAILED', 'SUCCEEDED', 'CANCELLED')
		)
		RETURNING id
	`
	var jobID int64
	err := p.db.QueryRowContext(ctx, query, scope, configType, []byte(config)).Scan(&jobID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("enqueue job for scope %s: %w", scope, err)
	}
	return jobID, true, nil
}

func (p *jobPersistence) CreateAttempt(ctx context.Context, jobID int64, logPath string) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create attempt: %w", err)
	}
	defer tx.Rollback()

	var status models.JobStatus
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status); err != nil {
		return 0, fmt.Errorf("lock job %d: %w", jobID, err)
	}
	if status != models.JobStatusPending && status != models.JobStatusIncomplete {
		return 0, &ErrInvalidTransition{JobID: jobID, Reason: fmt.Sprintf("cannot create attempt while %s", status)}
	}

	var number int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO attempts (job_id, attempt_number, status, log_path)
		SELECT $1, COALESCE(MAX(attempt_number) + 1, 0), 'RUNNING', $2
		FROM attempts WHERE job_id = $1
		RETURNING attempt_number
	`, jobID, logPath).Scan(&number); err != nil {
		return 0, fmt.Errorf("insert attempt for job %d: %w", jobID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'RUNNING', updated_at = NOW() WHERE id = $1`, jobID,
	); err != nil {
		return 0, fmt.Errorf("mark job %d running: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create attempt: %w", err)
	}
	return number, nil
}

func (p *jobPersistence) FailAttempt(ctx context.Context, jobID int64, attemptNumber int) error {
	return p.closeAttempt(ctx, jobID, attemptNumber, models.AttemptStatusFailed, models.JobStatusIncomplete, nil)
}

func (p *jobPersistence) SucceedAttempt(ctx context.Context, jobID int64, attemptNumber int, output json.RawMessage) error {
	return p.closeAttempt(ctx, jobID, attemptNumber, models.AttemptStatusSucceeded, models.JobStatusSucceeded, output)
}

func (p *jobPersistence) closeAttempt(ctx context.Context, jobID int64, attemptNumber int, attemptStatus models.AttemptStatus, jobStatus models.JobStatus, output json.RawMessage) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close attempt: %w", err)
	}
	defer tx.Rollback()

	var current models.JobStatus
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&current); err != nil {
		return fmt.Errorf("lock job %d: %w", jobID, err)
	}

	var out interface{}
	if len(output) > 0 {
		out = []byte(output)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET status = $1, output = COALESCE($2, output), updated_at = NOW(), ended_at = NOW()
		WHERE job_id = $3 AND attempt_number = $4
	`, attemptStatus, out, jobID, attemptNumber)
	if err != nil {
		return fmt.Errorf("close attempt %d/%d: %w", jobID, attemptNumber, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ErrInvalidTransition{JobID: jobID, Reason: fmt.Sprintf("attempt %d does not exist", attemptNumber)}
	}

	// Terminal job statuses are immutable; a late completion still closes
	// the attempt row but leaves the job alone.
	if !current.Terminal() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`, jobStatus, jobID,
		); err != nil {
			return fmt.Errorf("update job %d status: %w", jobID, err)
		}
	}

	return tx.Commit()
}

func (p *jobPersistence) CancelJob(ctx context.Context, jobID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel job: %w", err)
	}
	defer tx.Rollback()

	var current models.JobStatus
	if err := tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&current); err != nil {
		return fmt.Errorf("lock job %d: %w", jobID, err)
	}
	if current.Terminal() {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET status = 'FAILED', updated_at = NOW(), ended_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING'
	`, jobID); err != nil {
		return fmt.Errorf("fail running attempts of job %d: %w", jobID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'CANCELLED', updated_at = NOW() WHERE id = $1`, jobID,
	); err != nil {
		return fmt.Errorf("cancel job %d: %w", jobID, err)
	}

	return tx.Commit()
}

func (p *jobPersistence) FailJob(ctx context.Context, jobID int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'FAILED', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('FAILED', 'SUCCEEDED', 'CANCELLED')
	`, jobID)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return nil
}

func (p *jobPersistence) ResetJob(ctx context.Context, jobID int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'PENDING', updated_at = NOW()
		WHERE id = $1 AND status = 'INCOMPLETE'
	`, jobID)
	if err != nil {
		return fmt.Errorf("reset job %d: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &ErrInvalidTransition{JobID: jobID, Reason: "only INCOMPLETE jobs can return to PENDING"}
	}
	return nil
}

func (p *jobPersistence) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %d not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadAttempts(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *jobPersistence) ListJobsWithStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	return p.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs j WHERE j.status = $1 ORDER BY j.created_at ASC`,
		status)
}

func (p *jobPersistence) ListJobs(ctx context.Context, configType models.JobConfigType, scope string, pageSize, offset int) ([]models.Job, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	return p.listJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.config_type = $1 AND j.scope = $2
		ORDER BY j.created_at DESC
		LIMIT $3 OFFSET $4
	`, configType, scope, pageSize, offset)
}

func (p *jobPersistence) GetNextJob(ctx context.Context) (*models.Job, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin get next job: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.status = 'PENDING'
		  AND NOT EXISTS (
			SELECT 1 FROM jobs r WHERE r.scope = j.scope AND r.status = 'RUNNING'
		  )
		ORDER BY j.created_at ASC, j.id ASC
		FOR UPDATE OF j SKIP LOCKED
		LIMIT 1
	`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get next job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit get next job: %w", err)
	}
	if err := p.loadAttempts(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *jobPersistence) GetLastReplicationJob(ctx context.Context, scope string) (*models.Job, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs j
		WHERE j.scope = $1
		  AND j.config_type IN ('SYNC', 'RESET_CONNECTION')
		  AND j.status IN ('FAILED', 'SUCCEEDED', 'CANCELLED')
		ORDER BY j.created_at DESC
		LIMIT 1
	`, scope)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last replication job for %s: %w", scope, err)
	}
	if err := p.loadAttempts(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *jobPersistence) GetVersion(ctx context.Context) (string, error) {
	var version string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM scheduler_metadata WHERE key = 'version'`,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

func (p *jobPersistence) SetVersion(ctx context.Context, version string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scheduler_metadata (key, value) VALUES ('version', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, version)
	if err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	return nil
}

func (p *jobPersistence) listJobs(ctx context.Context, query string, args ...interface{}) ([]models.Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range jobs {
		if err := p.loadAttempts(ctx, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (p *jobPersistence) loadAttempts(ctx context.Context, job *models.Job) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT job_id, attempt_number, status, log_path, output, created_at, updated_at, ended_at
		FROM attempts
		WHERE job_id = $1
		ORDER BY attempt_number ASC
	`, job.ID)
	if err != nil {
		return fmt.Errorf("load attempts of job %d: %w", job.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.Attempt
		var output sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&a.JobID, &a.Number, &a.Status, &a.LogPath, &output, &a.CreatedAt, &a.UpdatedAt, &endedAt); err != nil {
			return err
		}
		if output.Valid {
			a.Output = json.RawMessage(output.String)
		}
		if endedAt.Valid {
			a.EndedAt = &endedAt.Time
		}
		job.Attempts = append(job.Attempts, a)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var config []byte
	if err := row.Scan(&job.ID, &job.Scope, &job.ConfigType, &config, &job.Status, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Config = json.RawMessage(config)
	return &job, nil
}
