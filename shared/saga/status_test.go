package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func describeResponse(workflowID, runID string, status enumspb.WorkflowExecutionStatus) *workflowservice.DescribeWorkflowExecutionResponse {
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
			Execution: &commonpb.WorkflowExecution{WorkflowId: workflowID, RunId: runID},
			Type:      &commonpb.WorkflowType{Name: "OrderWorkflow"},
			Status:    status,
			StartTime: timestamppb.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
	}
}

func TestStatusFromTemporal(t *testing.T) {
	assert.Equal(t, RunStatusRunning, StatusFromTemporal(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING))
	assert.Equal(t, RunStatusTerminated, StatusFromTemporal(enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED))
	assert.Equal(t, RunStatusCancelled, StatusFromTemporal(enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED))
	assert.Equal(t, RunStatusUnknown, StatusFromTemporal(enumspb.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED))

	assert.False(t, RunStatusRunning.Closed())
	assert.False(t, RunStatusUnknown.Closed())
	assert.True(t, RunStatusFailed.Closed())
}

func TestDescribe(t *testing.T) {
	c := &mocks.Client{}
	resp := describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING)
	resp.WorkflowExecutionInfo.ParentExecution = &commonpb.WorkflowExecution{WorkflowId: "Parent-Workflow", RunId: "run-0"}
	c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").Return(resp, nil).Once()
	c.On("DescribeWorkflowExecution", mock.Anything, "Order-43-Workflow", "").
		Return(nil, serviceerror.NewNotFound("workflow not found")).Once()

	info, err := Describe(context.Background(), c, "Order-42-Workflow")
	require.NoError(t, err)
	assert.Equal(t, "run-1", info.RunID)
	assert.Equal(t, "OrderWorkflow", info.WorkflowType)
	assert.Equal(t, RunStatusRunning, info.Status)
	assert.Equal(t, "Parent-Workflow", info.ParentWorkflowID)
	assert.Equal(t, 2024, info.StartedAt.Year())
	assert.True(t, info.ClosedAt.IsZero())

	_, err = Describe(context.Background(), c, "Order-43-Workflow")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	c.AssertExpectations(t)
}

func TestDescribeResult(t *testing.T) {
	ctx := context.Background()

	t.Run("running run has no result", func(t *testing.T) {
		c := &mocks.Client{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING), nil)

		info, err := DescribeResult[string](ctx, c, "Order-42-Workflow")
		require.NoError(t, err)
		assert.Nil(t, info.Result)
		c.AssertNotCalled(t, "GetWorkflow", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("completed run carries its result", func(t *testing.T) {
		c := &mocks.Client{}
		run := &mocks.WorkflowRun{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED), nil)
		c.On("GetWorkflow", mock.Anything, "Order-42-Workflow", "run-1").Return(run)
		run.On("Get", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			*args.Get(1).(*string) = "Order Workflow Complete for 42!"
		}).Return(nil)

		info, err := DescribeResult[string](ctx, c, "Order-42-Workflow")
		require.NoError(t, err)
		assert.Equal(t, RunStatusCompleted, info.Status)
		assert.Equal(t, "Order Workflow Complete for 42!", info.Result)
		assert.Empty(t, info.Error)
	})

	t.Run("failed run carries its error", func(t *testing.T) {
		c := &mocks.Client{}
		run := &mocks.WorkflowRun{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_FAILED), nil)
		c.On("GetWorkflow", mock.Anything, "Order-42-Workflow", "run-1").Return(run)
		run.On("Get", mock.Anything, mock.Anything).Return(temporal.NewApplicationError("No items to validate", "OrderRejected"))

		info, err := DescribeResult[string](ctx, c, "Order-42-Workflow")
		require.NoError(t, err)
		assert.Equal(t, RunStatusFailed, info.Status)
		assert.Nil(t, info.Result)
		assert.Contains(t, info.Error, "No items to validate")
	})
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()

	t.Run("running", func(t *testing.T) {
		c := &mocks.Client{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING), nil)
		c.On("TerminateWorkflow", mock.Anything, "Order-42-Workflow", "run-1", "fraud").Return(nil).Once()

		info, err := Terminate(ctx, c, "Order-42-Workflow", "fraud")
		require.NoError(t, err)
		assert.Equal(t, RunStatusTerminated, info.Status)
		assert.Equal(t, "run-1", info.RunID)
		assert.Equal(t, "fraud", info.Error)
		c.AssertExpectations(t)
	})

	t.Run("already closed", func(t *testing.T) {
		c := &mocks.Client{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED), nil)

		info, err := Terminate(ctx, c, "Order-42-Workflow", "fraud")
		assert.ErrorIs(t, err, ErrWorkflowNotRunning)
		assert.Equal(t, RunStatusCompleted, info.Status)
		c.AssertNotCalled(t, "TerminateWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("never started", func(t *testing.T) {
		c := &mocks.Client{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(nil, serviceerror.NewNotFound("workflow not found"))

		_, err := Terminate(ctx, c, "Order-42-Workflow", "fraud")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("closed between describe and terminate", func(t *testing.T) {
		c := &mocks.Client{}
		c.On("DescribeWorkflowExecution", mock.Anything, "Order-42-Workflow", "").
			Return(describeResponse("Order-42-Workflow", "run-1", enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING), nil)
		c.On("TerminateWorkflow", mock.Anything, "Order-42-Workflow", "run-1", "fraud").
			Return(serviceerror.NewNotFound("workflow execution already completed"))

		_, err := Terminate(ctx, c, "Order-42-Workflow", "fraud")
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})
}
