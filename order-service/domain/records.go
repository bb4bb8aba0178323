package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/order-saga/shared/models"
)

// OrderEvent is one row of the append-only audit log. There is at most one
// event per order and type.
type OrderEvent struct {
	ID        models.ID       `json:"id"`
	OrderID   models.ID       `json:"order_id"`
	Type      OrderState      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewOrderEvent(orderID models.ID, eventType OrderState, payload interface{}, now time.Time) (*OrderEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	return &OrderEvent{
		ID:        models.GenerateUUID(),
		OrderID:   orderID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: now.UTC(),
	}, nil
}

type PaymentStatus string

const PaymentStatusCharged PaymentStatus = "charged"

// PaymentRecord is created at most once per payment id
type PaymentRecord struct {
	PaymentID models.ID     `json:"payment_id"`
	OrderID   models.ID     `json:"order_id"`
	Status    PaymentStatus `json:"status"`
	Amount    int64         `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
}
