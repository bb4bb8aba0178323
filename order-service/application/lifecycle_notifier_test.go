package application

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/shared/events"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	args := m.Called(ctx, evts)
	return args.Error(0)
}

func TestClosedEventType(t *testing.T) {
	tests := []struct {
		name     string
		info     saga.RunInfo
		expected string
	}{
		{"completed", saga.RunInfo{Status: saga.RunStatusCompleted, Result: OrderCompleteResult("42")}, events.SagaCompletedEvent},
		{"timed out", saga.RunInfo{Status: saga.RunStatusCompleted, Result: TimeoutResult}, events.SagaTimedOutEvent},
		{"failed", saga.RunInfo{Status: saga.RunStatusFailed, Error: "No items to validate"}, events.SagaFailedEvent},
		{"terminated", saga.RunInfo{Status: saga.RunStatusTerminated}, events.SagaTerminatedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClosedEventType(tt.info))
		})
	}
}

func TestOrderIDFromWorkflowID(t *testing.T) {
	id, ok := OrderIDFromWorkflowID(OrderWorkflowID("42"))
	assert.True(t, ok)
	assert.Equal(t, "42", id.String())

	id, ok = OrderIDFromWorkflowID(ShippingWorkflowID("a-b-c"))
	assert.True(t, ok)
	assert.Equal(t, "a-b-c", id.String())

	_, ok = OrderIDFromWorkflowID("Order--Workflow")
	assert.False(t, ok)
	_, ok = OrderIDFromWorkflowID("something else")
	assert.False(t, ok)
}

func TestLifecycleNotifier_Notify(t *testing.T) {
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(evts []*events.Event) bool {
		return len(evts) == 1 && evts[0].EventType == events.SagaStartedEvent
	})).Return(nil).Once()
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(evts []*events.Event) bool {
		if len(evts) != 1 || evts[0].EventType != events.SagaFailedEvent {
			return false
		}
		data, ok := evts[0].Data.(SagaLifecycleData)
		return ok && data.OrderID == "42" && data.Error == "No items to validate" && evts[0].AggregateID == "42"
	})).Return(errors.New("sns unavailable")).Once()

	notifier := NewLifecycleNotifier(publisher, zap.NewNop())
	info := saga.RunInfo{WorkflowID: OrderWorkflowID("42"), RunID: "run-1", WorkflowType: OrderWorkflowType, Status: saga.RunStatusRunning}
	require.NoError(t, notifier.Notify(context.Background(), LifecycleNotice{EventType: events.SagaStartedEvent, Run: info}))

	info.Status = saga.RunStatusFailed
	info.Error = "No items to validate"
	err := notifier.Notify(context.Background(), LifecycleNotice{EventType: ClosedEventType(info), Run: info})
	assert.ErrorContains(t, err, "sns unavailable")

	publisher.AssertExpectations(t)
}

func TestLifecycleEvent_StableID(t *testing.T) {
	info := saga.RunInfo{
		WorkflowID:       ShippingWorkflowID("42"),
		RunID:            "run-1",
		WorkflowType:     ShippingWorkflowType,
		Status:           saga.RunStatusCompleted,
		ParentWorkflowID: OrderWorkflowID("42"),
		Result:           ShippingCompleteResult,
	}

	first := lifecycleEvent(events.SagaCompletedEvent, info)
	second := lifecycleEvent(events.SagaCompletedEvent, info)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, lifecycleEvent(events.SagaStartedEvent, info).ID)

	assert.Equal(t, models.ID("42"), first.AggregateID)
	assert.Equal(t, models.ID("run-1"), first.CorrelationID)
	assert.Equal(t, OrderWorkflowID("42"), first.Metadata["parent_workflow_id"])
	assert.Equal(t, ShippingCompleteResult, first.Data.(SagaLifecycleData).Result)
}
