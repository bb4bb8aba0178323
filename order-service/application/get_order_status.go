package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/client"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

// GetOrderStatusQuery represents the query for an order's state
type GetOrderStatusQuery struct {
	OrderID string `json:"order_id"`
}

// SagaStatus is Temporal's view of the latest order saga run
type SagaStatus struct {
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Status     saga.RunStatus `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// GetOrderStatusResponse combines the persisted order with its saga
type GetOrderStatusResponse struct {
	OrderID   string            `json:"order_id"`
	State     domain.OrderState `json:"state"`
	Address   domain.Address    `json:"address"`
	UpdatedAt string            `json:"updated_at"`
	Saga      *SagaStatus       `json:"saga,omitempty"`
}

// GetOrderStatus use case
type GetOrderStatus struct {
	store  domain.OrderStore
	client client.Client
}

// NewGetOrderStatus creates a new GetOrderStatus use case
func NewGetOrderStatus(store domain.OrderStore, c client.Client) *GetOrderStatus {
	return &GetOrderStatus{store: store, client: c}
}

// Execute reads the order row and the latest order saga run. The saga section
// is omitted when Temporal no longer knows the workflow id.
func (uc *GetOrderStatus) Execute(ctx context.Context, query *GetOrderStatusQuery) (*GetOrderStatusResponse, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidPayload, "order id is required")
	}

	order, err := uc.store.FindOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}

	response := &GetOrderStatusResponse{
		OrderID:   order.ID.String(),
		State:     order.State,
		Address:   order.Address,
		UpdatedAt: order.Timestamps.UpdatedAt.Format(time.RFC3339),
	}

	info, err := saga.DescribeResult[string](ctx, uc.client, OrderWorkflowID(orderID))
	switch {
	case errors.Is(err, saga.ErrWorkflowNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "failed to describe order saga")
	default:
		response.Saga = &SagaStatus{
			WorkflowID: info.WorkflowID,
			RunID:      info.RunID,
			Status:     info.Status,
			Result:     info.Result,
			Error:      info.Error,
		}
	}

	return response, nil
}
