package application

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/shared/events"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

// Lifecycle events are published from an activity on ORDER_QUEUE
const (
	NotifyLifecycleActivity = "NotifyLifecycle"

	notifyTimeout  = 10 * time.Second
	notifyAttempts = 5
)

// SagaLifecycleData is the payload of every saga.* event
type SagaLifecycleData struct {
	WorkflowID   string `json:"workflow_id"`
	RunID        string `json:"run_id"`
	WorkflowType string `json:"workflow_type"`
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	Error        string `json:"error,omitempty"`
}

// LifecycleNotice asks the notifier to publish one lifecycle event
type LifecycleNotice struct {
	EventType string       `json:"event_type"`
	Run       saga.RunInfo `json:"run"`
}

// LifecycleNotifier publishes saga lifecycle events. Both sagas call Notify
// as an activity when a run starts and when it closes, and the cancel use case
// calls it directly after terminating a run.
type LifecycleNotifier struct {
	publisher events.Publisher
	logger    *zap.Logger
}

func NewLifecycleNotifier(publisher events.Publisher, logger *zap.Logger) *LifecycleNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleNotifier{
		publisher: publisher,
		logger:    logger.Named("lifecycle-notifier"),
	}
}

// Notify publishes the event for notice. A retried notice publishes an event
// with the same id.
func (n *LifecycleNotifier) Notify(ctx context.Context, notice LifecycleNotice) error {
	event := lifecycleEvent(notice.EventType, notice.Run)
	if err := n.publisher.Publish(ctx, event); err != nil {
		n.logger.Error("failed to publish lifecycle event",
			zap.String("event_type", event.EventType),
			zap.String("event_id", event.ID.String()),
			zap.Error(err),
		)
		return errors.Wrapf(err, "publish %s", event.EventType)
	}
	return nil
}

// ClosedEventType maps a closed run to its event type. A run that gave up
// after exhausting an activity's retries completes with the timeout result.
func ClosedEventType(info saga.RunInfo) string {
	switch info.Status {
	case saga.RunStatusTerminated:
		return events.SagaTerminatedEvent
	case saga.RunStatusFailed:
		return events.SagaFailedEvent
	default:
		if result, ok := info.Result.(string); ok && result == TimeoutResult {
			return events.SagaTimedOutEvent
		}
		return events.SagaCompletedEvent
	}
}

// OrderIDFromWorkflowID extracts the order id from an order or shipping
// workflow id
func OrderIDFromWorkflowID(workflowID string) (models.ID, bool) {
	for _, prefix := range []string{"Order-", "Shipping-"} {
		if strings.HasPrefix(workflowID, prefix) && strings.HasSuffix(workflowID, "-Workflow") {
			id := strings.TrimSuffix(strings.TrimPrefix(workflowID, prefix), "-Workflow")
			if id != "" {
				return models.ID(id), true
			}
		}
	}
	return "", false
}

func lifecycleEvent(eventType string, info saga.RunInfo) *events.Event {
	orderID, _ := OrderIDFromWorkflowID(info.WorkflowID)
	event := events.NewEvent(orderID, eventType, SagaLifecycleData{
		WorkflowID:   info.WorkflowID,
		RunID:        info.RunID,
		WorkflowType: info.WorkflowType,
		OrderID:      orderID.String(),
		Status:       string(info.Status),
		Result:       info.Result,
		Error:        info.Error,
	})
	event.ID = lifecycleEventID(eventType, info)
	event.WithCorrelationID(models.ID(info.RunID))
	if info.ParentWorkflowID != "" {
		event.WithMetadata("parent_workflow_id", info.ParentWorkflowID)
	}
	return event
}

func lifecycleEventID(eventType string, info saga.RunInfo) models.ID {
	return models.ID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(info.WorkflowID+"/"+info.RunID+"/"+eventType)).String())
}
