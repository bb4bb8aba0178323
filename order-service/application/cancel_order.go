package application

import (
	"context"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/shared/events"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

// CancelOrderCommand represents the command to terminate an order saga
type CancelOrderCommand struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

// CancelOrderResponse describes the terminated run
type CancelOrderResponse struct {
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Status     saga.RunStatus `json:"status"`
}

// CancelOrder use case. Steps that already ran are not undone.
type CancelOrder struct {
	client   client.Client
	notifier *LifecycleNotifier
	logger   *zap.Logger
}

// NewCancelOrder creates a new CancelOrder use case
func NewCancelOrder(c client.Client, notifier *LifecycleNotifier, logger *zap.Logger) *CancelOrder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CancelOrder{
		client:   c,
		notifier: notifier,
		logger:   logger.Named("cancel-order"),
	}
}

// Execute terminates the running order saga. A terminated run gets no chance
// to report its end, so the saga.terminated event is published here.
func (uc *CancelOrder) Execute(ctx context.Context, cmd *CancelOrderCommand) (*CancelOrderResponse, error) {
	orderID, err := models.NewID(cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidPayload, "order id is required")
	}

	reason := cmd.Reason
	if reason == "" {
		reason = "cancel requested"
	}

	info, err := saga.Terminate(ctx, uc.client, OrderWorkflowID(orderID), reason)
	if err != nil {
		return nil, errors.Wrap(err, "failed to terminate order workflow")
	}

	if uc.notifier != nil {
		notice := LifecycleNotice{EventType: events.SagaTerminatedEvent, Run: info}
		if err := uc.notifier.Notify(ctx, notice); err != nil {
			uc.logger.Warn("terminated saga not announced",
				zap.String("workflow_id", info.WorkflowID),
				zap.Error(err),
			)
		}
	}

	return &CancelOrderResponse{
		WorkflowID: info.WorkflowID,
		RunID:      info.RunID,
		Status:     info.Status,
	}, nil
}
