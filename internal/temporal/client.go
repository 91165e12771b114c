package temporal

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tc "go.temporal.io/sdk/client"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

// Client is the scheduler's view of the workflow runtime: submit an attempt
// under a deterministic identity, block until it finishes. Tests substitute
// an in-process fake.
type Client interface {
	SubmitAttempt(ctx context.Context, identity string, input AttemptInput) (*models.AttemptOutput, error)
	Close()
}

type temporalClient struct {
	client tc.Client
}

// Dial connects to the workflow runtime at host:port.
func Dial(hostPort string, logger zerolog.Logger) (Client, error) {
	client, err := tc.Dial(tc.Options{
		HostPort: hostPort,
		Logger:   NewTemporalAdapter(logger),
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Temporal client")
	}
	return &temporalClient{client: client}, nil
}

// NewClient wraps an existing Temporal SDK client.
func NewClient(client tc.Client) Client {
	return &temporalClient{client: client}
}

func (c *temporalClient) SubmitAttempt(ctx context.Context, identity string, input AttemptInput) (*models.AttemptOutput, error) {
	opts := tc.StartWorkflowOptions{
		ID:        identity,
		TaskQueue: TaskQueueName,
		// Duplicate submissions of the same (job, attempt) attach to the
		// already-running execution instead of forking a second one.
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}

	run, err := c.client.ExecuteWorkflow(ctx, opts, AttemptWorkflowName, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if !stderrors.As(err, &started) {
			return nil, errors.Wrapf(err, "failed to start workflow %s", identity)
		}
		run = c.client.GetWorkflow(ctx, identity, "")
	}

	var output models.AttemptOutput
	if err := run.Get(ctx, &output); err != nil {
		return nil, errors.Wrapf(err, "workflow %s failed", identity)
	}
	return &output, nil
}

func (c *temporalClient) Close() {
	c.client.Close()
}
