package saga

import (
	"context"
	"time"

	"github.com/pkg/errors"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// RunStatus is the lifecycle status of a workflow run
type RunStatus string

const (
	RunStatusUnknown        RunStatus = "unknown"
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusTerminated     RunStatus = "terminated"
	RunStatusTimedOut       RunStatus = "timed_out"
	RunStatusContinuedAsNew RunStatus = "continued_as_new"
)

var runStatuses = map[enumspb.WorkflowExecutionStatus]RunStatus{
	enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:          RunStatusRunning,
	enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:        RunStatusCompleted,
	enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:           RunStatusFailed,
	enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:         RunStatusCancelled,
	enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:       RunStatusTerminated,
	enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:        RunStatusTimedOut,
	enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW: RunStatusContinuedAsNew,
}

func StatusFromTemporal(status enumspb.WorkflowExecutionStatus) RunStatus {
	if s, ok := runStatuses[status]; ok {
		return s
	}
	return RunStatusUnknown
}

// Closed is true once the run can no longer make progress
func (s RunStatus) Closed() bool {
	return s != RunStatusRunning && s != RunStatusUnknown
}

// RunInfo describes one workflow run
type RunInfo struct {
	WorkflowID       string    `json:"workflow_id"`
	RunID            string    `json:"run_id"`
	WorkflowType     string    `json:"workflow_type"`
	Status           RunStatus `json:"status"`
	ParentWorkflowID string    `json:"parent_workflow_id,omitempty"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	ClosedAt         time.Time `json:"closed_at,omitempty"`
	Result           any       `json:"result,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Describe returns the latest run for workflowID
func Describe(ctx context.Context, c client.Client, workflowID string) (RunInfo, error) {
	resp, err := c.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return RunInfo{}, errors.Wrapf(TranslateError(err), "failed to describe %s", workflowID)
	}

	execution := resp.GetWorkflowExecutionInfo()
	info := RunInfo{
		WorkflowID:       execution.GetExecution().GetWorkflowId(),
		RunID:            execution.GetExecution().GetRunId(),
		WorkflowType:     execution.GetType().GetName(),
		Status:           StatusFromTemporal(execution.GetStatus()),
		ParentWorkflowID: execution.GetParentExecution().GetWorkflowId(),
	}
	if started := execution.GetStartTime(); started != nil {
		info.StartedAt = started.AsTime()
	}
	if closed := execution.GetCloseTime(); closed != nil {
		info.ClosedAt = closed.AsTime()
	}
	return info, nil
}

// DescribeResult is Describe plus the result or failure of a closed run
func DescribeResult[T any](ctx context.Context, c client.Client, workflowID string) (RunInfo, error) {
	info, err := Describe(ctx, c, workflowID)
	if err != nil || !info.Status.Closed() {
		return info, err
	}

	var result T
	if err := c.GetWorkflow(ctx, info.WorkflowID, info.RunID).Get(ctx, &result); err != nil {
		info.Error = err.Error()
		return info, nil
	}
	info.Result = result
	return info, nil
}

// Terminate ends the running run of workflowID. Steps that already ran are
// not compensated.
func Terminate(ctx context.Context, c client.Client, workflowID, reason string) (RunInfo, error) {
	info, err := Describe(ctx, c, workflowID)
	if err != nil {
		return RunInfo{}, err
	}
	if info.Status != RunStatusRunning {
		return info, errors.Wrapf(ErrWorkflowNotRunning, "%s is %s", workflowID, info.Status)
	}

	if err := c.TerminateWorkflow(ctx, workflowID, info.RunID, reason); err != nil {
		return info, errors.Wrapf(TranslateError(err), "failed to terminate %s", workflowID)
	}

	info.Status = RunStatusTerminated
	info.Error = reason
	return info, nil
}
