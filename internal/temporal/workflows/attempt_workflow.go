package workflows

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/stanstork/stratum-scheduler/internal/models"
	"github.com/stanstork/stratum-scheduler/internal/temporal"
	"github.com/stanstork/stratum-scheduler/internal/temporal/activities"
)

// AttemptWorkflow executes one job attempt. The heavy lifting happens in
// activities on the worker; the workflow only picks the operation matching
// the job's config type and relays its result.
func AttemptWorkflow(ctx workflow.Context, input temporal.AttemptInput) (*models.AttemptOutput, error) {
	timeout := temporal.DefaultActivityTimeout
	if input.ConfigType == models.JobConfigTypeSync || input.ConfigType == models.JobConfigTypeResetConnection {
		timeout = temporal.SyncActivityTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    4 * temporal.ActivityHeartbeat,
		WaitForCancellation: true,
	})

	logger := workflow.GetLogger(ctx)
	logger.Info("Starting attempt workflow",
		"JobID", input.JobID, "AttemptNumber", input.AttemptNumber, "ConfigType", input.ConfigType)

	var a *activities.Activities
	var output models.AttemptOutput
	var err error

	switch input.ConfigType {
	case models.JobConfigTypeSync, models.JobConfigTypeResetConnection:
		err = workflow.ExecuteActivity(ctx, a.RunReplication, input).Get(ctx, &output)
	case models.JobConfigTypeCheckConnection:
		err = workflow.ExecuteActivity(ctx, a.RunCheck, input).Get(ctx, &output)
	case models.JobConfigTypeDiscoverSchema:
		err = workflow.ExecuteActivity(ctx, a.RunDiscover, input).Get(ctx, &output)
	case models.JobConfigTypeGetSpec:
		err = workflow.ExecuteActivity(ctx, a.RunSpec, input).Get(ctx, &output)
	default:
		return nil, fmt.Errorf("unknown config type %q", input.ConfigType)
	}

	if err != nil {
		logger.Error("Attempt failed.", "JobID", input.JobID, "error", err)
		return nil, err
	}

	logger.Info("Attempt workflow completed.", "JobID", input.JobID, "AttemptNumber", input.AttemptNumber)
	return &output, nil
}
