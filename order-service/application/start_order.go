package application

import (
	"context"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

// StartOrderCommand represents the command to start an order saga. Items
// default to a single ABC unit when omitted; an explicit empty list is kept
// and ends in rejection.
type StartOrderCommand struct {
	OrderID string          `json:"order_id"`
	Items   []domain.Item   `json:"items,omitempty"`
	Address *domain.Address `json:"address,omitempty"`
}

// StartOrderResponse identifies the started run
type StartOrderResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	PaymentID  string `json:"payment_id"`
}

// StartOrder use case
type StartOrder struct {
	client client.Client
	logger *zap.Logger
}

// NewStartOrder creates a new StartOrder use case
func NewStartOrder(c client.Client, logger *zap.Logger) *StartOrder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StartOrder{
		client: c,
		logger: logger.Named("start-order"),
	}
}

// Execute starts the order saga and returns without waiting for it
func (uc *StartOrder) Execute(ctx context.Context, cmd *StartOrderCommand) (*StartOrderResponse, error) {
	orderID, err := models.NewID(cmd.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidPayload, "order id is required")
	}

	items := cmd.Items
	if items == nil {
		items = domain.DefaultItems()
	}
	address := domain.DefaultAddress()
	if cmd.Address != nil {
		address = *cmd.Address
	}

	draft := domain.OrderPayload{OrderID: orderID, Items: items, Address: address}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	input := OrderWorkflowInput{
		OrderID:   orderID,
		PaymentID: models.GenerateUUID(),
		Items:     items,
		Address:   address,
	}

	run, err := uc.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       OrderWorkflowID(orderID),
		TaskQueue:                                OrderQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, OrderWorkflowType, input)
	if err != nil {
		return nil, errors.Wrap(saga.TranslateError(err), "failed to start order workflow")
	}

	uc.logger.Info("order saga started",
		zap.String("order_id", orderID.String()),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)

	return &StartOrderResponse{
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
		PaymentID:  input.PaymentID.String(),
	}, nil
}
