package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/models"
)

// ListOrderEventsQuery represents the query for an order's audit log
type ListOrderEventsQuery struct {
	OrderID string `json:"order_id"`
}

// ListOrderEvents use case
type ListOrderEvents struct {
	store domain.OrderStore
}

// NewListOrderEvents creates a new ListOrderEvents use case
func NewListOrderEvents(store domain.OrderStore) *ListOrderEvents {
	return &ListOrderEvents{store: store}
}

// Execute returns the events of an order, oldest first. Unknown orders have
// no events.
func (uc *ListOrderEvents) Execute(ctx context.Context, query *ListOrderEventsQuery) ([]*domain.OrderEvent, error) {
	orderID, err := models.NewID(query.OrderID)
	if err != nil {
		return nil, errors.Wrap(domain.ErrInvalidPayload, "order id is required")
	}

	events, err := uc.store.ListEvents(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	if events == nil {
		events = []*domain.OrderEvent{}
	}
	return events, nil
}
