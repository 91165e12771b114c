package temporal

import (
	"encoding/json"
	"time"

	"github.com/stanstork/stratum-scheduler/internal/models"
)

// TaskQueueName is the Temporal task queue attempts are dispatched on.
const TaskQueueName = "STRATUM_SCHEDULER"

// AttemptWorkflowName is the registered name of the attempt workflow. The
// client starts workflows by name so the scheduler side never imports the
// workflow implementation.
const AttemptWorkflowName = "AttemptWorkflow"

// DefaultActivityTimeout bounds the short connector operations (spec, check,
// discover); SyncActivityTimeout bounds full replication runs.
const (
	DefaultActivityTimeout = 30 * time.Minute
	SyncActivityTimeout    = 24 * time.Hour
	ActivityHeartbeat      = 30 * time.Second
)

// AttemptInput is the workflow input for one job attempt. The workflow ID is
// derived from (scope, job, attempt) by the caller, which makes resubmission
// idempotent at the runtime layer.
type AttemptInput struct {
	JobID         int64
	AttemptNumber int
	Scope         string
	ConfigType    models.JobConfigType
	Config        json.RawMessage
	JobRoot       string
}
