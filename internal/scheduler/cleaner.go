package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-scheduler/internal/config"
	"github.com/stanstork/stratum-scheduler/internal/repository"
)

// JobCleaner reclaims attempt workspace directories under the retention
// policy: everything past the maximum age goes, then the newest directories
// are kept until the size budget is spent and the old remainder (past the
// minimum age) goes too. Workspaces of non-terminal jobs are never touched.
type JobCleaner struct {
	retention     config.WorkspaceRetention
	workspaceRoot string
	persistence   repository.JobPersistence
	now           func() time.Time
	logger        zerolog.Logger
}

func NewJobCleaner(retention config.WorkspaceRetention, workspaceRoot string, persistence repository.JobPersistence, now func() time.Time, logger zerolog.Logger) *JobCleaner {
	if now == nil {
		now = time.Now
	}
	return &JobCleaner{
		retention:     retention,
		workspaceRoot: workspaceRoot,
		persistence:   persistence,
		now:           now,
		logger:        logger.With().Str("component", "job_cleaner").Logger(),
	}
}

type workspaceDir struct {
	path     string
	modified time.Time
	size     int64
}

// Run makes one cleaning pass. Deletions are best-effort; per-directory
// failures are logged and the pass continues.
func (c *JobCleaner) Run(ctx context.Context) {
	dirs, err := c.collect(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to scan workspace root")
		return
	}

	// Newest first: age trimming happens on the tail, size trimming
	// accumulates from the head.
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modified.After(dirs[j].modified) })

	now := c.now()
	var used int64
	for _, dir := range dirs {
		age := now.Sub(dir.modified)
		if age > c.retention.MaxAge {
			c.remove(dir, "older than max age")
			continue
		}
		used += dir.size
		if used > c.retention.MaxSize && age > c.retention.MinAge {
			c.remove(dir, "over size budget")
		}
	}
}

// collect lists attempt directories of terminal jobs with their sizes and
// last-modified times.
func (c *JobCleaner) collect(ctx context.Context) ([]workspaceDir, error) {
	entries, err := os.ReadDir(c.workspaceRoot)
	if err != nil {
		return nil, err
	}

	var dirs []workspaceDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}

		job, err := c.persistence.GetJob(ctx, jobID)
		if err != nil {
			c.logger.Warn().Err(err).Int64("job_id", jobID).Msg("skipping workspace of unknown job")
			continue
		}
		if !job.Status.Terminal() {
			continue
		}

		jobDir := filepath.Join(c.workspaceRoot, entry.Name())
		attempts, err := os.ReadDir(jobDir)
		if err != nil {
			c.logger.Warn().Err(err).Str("dir", jobDir).Msg("failed to read job dir")
			continue
		}
		for _, attempt := range attempts {
			if !attempt.IsDir() {
				continue
			}
			path := filepath.Join(jobDir, attempt.Name())
			size, modified, err := dirUsage(path)
			if err != nil {
				c.logger.Warn().Err(err).Str("dir", path).Msg("failed to stat attempt dir")
				continue
			}
			dirs = append(dirs, workspaceDir{path: path, modified: modified, size: size})
		}
	}
	return dirs, nil
}

func (c *JobCleaner) remove(dir workspaceDir, reason string) {
	if err := os.RemoveAll(dir.path); err != nil {
		c.logger.Warn().Err(err).Str("dir", dir.path).Msg("failed to delete workspace")
		return
	}
	c.logger.Info().Str("dir", dir.path).Str("reason", reason).Int64("bytes", dir.size).
		Msg("deleted workspace")
}

func dirUsage(root string) (int64, time.Time, error) {
	var size int64
	var modified time.Time
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.ModTime().After(modified) {
			modified = info.ModTime()
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, modified, err
}
