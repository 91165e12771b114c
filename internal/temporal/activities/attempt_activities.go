// Package activities implements the per-attempt connector operations on top
// of the process factory. Connector images expose a `connector` executable
// with the spec/check/discover/read/write verbs; configuration reaches the
// container as files staged in the attempt workspace.
package activities

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/activity"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/process"
	"github.com/stanstork/stratum-scheduler/internal/temporal"
)

const (
	connectorEntrypoint = "connector"

	sourceConfigFile = "source_config.json"
	destConfigFile   = "destination_config.json"
	catalogFile      = "catalog.json"
	checkConfigFile  = "config.json"

	sourceLogFile = "source.log"
	destLogFile   = "destination.log"
)

type Activities struct {
	Factory process.Factory
}

func (a *Activities) RunSpec(ctx context.Context, input temporal.AttemptInput) (*models.AttemptOutput, error) {
	var cfg models.SpecJobConfig
	if err := json.Unmarshal(input.Config, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse spec job config")
	}

	stdout, err := a.runOnce(ctx, input, cfg.Image, nil, "spec")
	if err != nil {
		return nil, err
	}
	return &models.AttemptOutput{Spec: json.RawMessage(stdout)}, nil
}

func (a *Activities) RunCheck(ctx context.Context, input temporal.AttemptInput) (*models.AttemptOutput, error) {
	var cfg models.CheckJobConfig
	if err := json.Unmarshal(input.Config, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse check job config")
	}

	files := map[string]string{checkConfigFile: string(cfg.Configuration)}
	stdout, err := a.runOnce(ctx, input, cfg.Image, files, "check", "--config", checkConfigFile)
	if err != nil {
		// A connection that fails its check is a result, not an activity
		// error: the job still records what went wrong.
		return &models.AttemptOutput{Check: &models.CheckResult{Succeeded: false, Message: err.Error()}}, nil
	}

	var result models.CheckResult
	if err := json.Unmarshal(stdout, &result); err != nil {
		return nil, errors.Wrap(err, "failed to parse check result")
	}
	return &models.AttemptOutput{Check: &result}, nil
}

func (a *Activities) RunDiscover(ctx context.Context, input temporal.AttemptInput) (*models.AttemptOutput, error) {
	var cfg models.DiscoverJobConfig
	if err := json.Unmarshal(input.Config, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse discover job config")
	}

	files := map[string]string{checkConfigFile: string(cfg.Configuration)}
	stdout, err := a.runOnce(ctx, input, cfg.Image, files, "discover", "--config", checkConfigFile)
	if err != nil {
		return nil, err
	}
	return &models.AttemptOutput{Catalog: json.RawMessage(stdout)}, nil
}

// RunReplication executes a full sync: the source connector's record stream
// is piped into the destination connector, counting records and bytes on
// the way through.
func (a *Activities) RunReplication(ctx context.Context, input temporal.AttemptInput) (*models.AttemptOutput, error) {
	logger := activity.GetLogger(ctx)

	var cfg models.SyncJobConfig
	if err := json.Unmarshal(input.Config, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse sync job config")
	}

	startedAt := time.Now().UTC()

	source, err := a.Factory.Create(ctx, process.CreateSpec{
		JobID:         input.JobID,
		AttemptNumber: input.AttemptNumber,
		JobRoot:       input.JobRoot,
		Image:         cfg.SourceImage,
		Files: map[string]string{
			sourceConfigFile: string(cfg.SourceConfiguration),
			catalogFile:      string(cfg.ConfiguredCatalog),
		},
		Entrypoint: connectorEntrypoint,
		Args:       []string{"read", "--config", sourceConfigFile, "--catalog", catalogFile},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start source connector")
	}
	defer source.Kill(context.Background())

	dest, err := a.Factory.Create(ctx, process.CreateSpec{
		JobID:         input.JobID,
		AttemptNumber: input.AttemptNumber,
		JobRoot:       input.JobRoot,
		Image:         cfg.DestinationImage,
		UsesStdin:     true,
		Files: map[string]string{
			destConfigFile: string(cfg.DestConfiguration),
			catalogFile:    string(cfg.ConfiguredCatalog),
		},
		Entrypoint: connectorEntrypoint,
		Args:       []string{"write", "--config", destConfigFile, "--catalog", catalogFile},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start destination connector")
	}
	defer dest.Kill(context.Background())

	go drainToFile(source.Stderr(), filepath.Join(input.JobRoot, sourceLogFile))
	go drainToFile(dest.Stderr(), filepath.Join(input.JobRoot, destLogFile))
	go drainToFile(dest.Stdout(), filepath.Join(input.JobRoot, destLogFile+".out"))

	stopHeartbeat := heartbeatLoop(ctx)
	defer stopHeartbeat()

	var records, bytesSynced int64
	pipeErr := make(chan error, 1)
	go func() {
		defer dest.Stdin().Close()
		scanner := bufio.NewScanner(source.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		stdin := dest.Stdin()
		for scanner.Scan() {
			line := scanner.Bytes()
			if _, err := stdin.Write(append(line, '\n')); err != nil {
				pipeErr <- errors.Wrap(err, "failed to write record to destination")
				return
			}
			records++
			bytesSynced += int64(len(line)) + 1
		}
		pipeErr <- scanner.Err()
	}()

	sourceExit, err := source.Wait(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "source connector wait failed")
	}
	if err := <-pipeErr; err != nil {
		return nil, err
	}
	destExit, err := dest.Wait(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "destination connector wait failed")
	}

	if sourceExit != 0 {
		return nil, fmt.Errorf("source connector exited with code %d", sourceExit)
	}
	if destExit != 0 {
		return nil, fmt.Errorf("destination connector exited with code %d", destExit)
	}

	summary := &models.SyncSummary{
		RecordsSynced: records,
		BytesSynced:   bytesSynced,
		StartedAt:     startedAt,
		EndedAt:       time.Now().UTC(),
	}
	logger.Info("Replication finished.",
		"JobID", input.JobID, "Records", summary.RecordsSynced, "Bytes", summary.BytesSynced)
	return &models.AttemptOutput{Sync: summary}, nil
}

// runOnce launches a single connector process, captures its stdout, and
// fails on a non-zero exit.
func (a *Activities) runOnce(ctx context.Context, input temporal.AttemptInput, image string, files map[string]string, args ...string) ([]byte, error) {
	proc, err := a.Factory.Create(ctx, process.CreateSpec{
		JobID:         input.JobID,
		AttemptNumber: input.AttemptNumber,
		JobRoot:       input.JobRoot,
		Image:         image,
		Files:         files,
		Entrypoint:    connectorEntrypoint,
		Args:          args,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", image)
	}
	defer proc.Kill(context.Background())

	stopHeartbeat := heartbeatLoop(ctx)
	defer stopHeartbeat()

	var stdout bytes.Buffer
	outDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(&stdout, proc.Stdout())
		outDone <- copyErr
	}()
	go drainToFile(proc.Stderr(), filepath.Join(input.JobRoot, "connector.log"))

	exit, err := proc.Wait(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s wait failed", image)
	}
	if copyErr := <-outDone; copyErr != nil {
		return nil, errors.Wrapf(copyErr, "failed to read %s output", image)
	}
	if exit != 0 {
		return nil, fmt.Errorf("%s exited with code %d", image, exit)
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}

// heartbeatLoop reports activity liveness until the returned stop function
// is called.
func heartbeatLoop(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(temporal.ActivityHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, "running")
			}
		}
	}()
	return func() { close(done) }
}

func drainToFile(r io.Reader, path string) {
	if r == nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		io.Copy(io.Discard, r)
		return
	}
	defer f.Close()
	io.Copy(f, r)
}
