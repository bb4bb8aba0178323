package domain

import (
	"context"
	"time"

	"github.com/trellis/order-saga/shared/models"
)

// OrderStore gives activities a scoped unit of work and the control surface
// read access. Implementations must release their connection or transaction
// on every exit path of WithinUnitOfWork.
type OrderStore interface {
	// WithinUnitOfWork commits when fn returns nil and rolls back otherwise
	WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error

	FindOrder(ctx context.Context, id models.ID) (*Order, error)
	ListEvents(ctx context.Context, orderID models.ID) ([]*OrderEvent, error)
	ListPayments(ctx context.Context, orderID models.ID) ([]*PaymentRecord, error)
}

// UnitOfWork is the set of writes one activity attempt may perform. Every
// write is keyed on a natural identity so a redelivered attempt converges.
type UnitOfWork interface {
	FindOrder(ctx context.Context, id models.ID) (*Order, error)
	// InsertOrderIfAbsent reports whether the row was created
	InsertOrderIfAbsent(ctx context.Context, order *Order) (bool, error)
	// UpdateOrderState writes target when the current state is one of its
	// predecessors. Writing the current state again is a no-op; any other
	// current state yields ErrIllegalTransition.
	UpdateOrderState(ctx context.Context, id models.ID, target OrderState, now time.Time) error

	FindPayment(ctx context.Context, paymentID models.ID) (*PaymentRecord, error)
	// FindPaymentByOrder returns the earliest payment charged for an order
	FindPaymentByOrder(ctx context.Context, orderID models.ID) (*PaymentRecord, error)
	// InsertPaymentIfAbsent reports whether the row was created
	InsertPaymentIfAbsent(ctx context.Context, payment *PaymentRecord) (bool, error)

	// AppendEvent reports whether the event was new for its (order, type)
	AppendEvent(ctx context.Context, event *OrderEvent) (bool, error)
}
