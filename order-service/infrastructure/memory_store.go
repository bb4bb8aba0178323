package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/models"
)

var _ domain.OrderStore = (*MemoryOrderStore)(nil)

type eventKey struct {
	orderID   models.ID
	eventType domain.OrderState
}

type memoryState struct {
	orders    map[models.ID]domain.Order
	events    []domain.OrderEvent
	eventKeys map[eventKey]struct{}
	payments  map[models.ID]domain.PaymentRecord
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		orders:    make(map[models.ID]domain.Order, len(s.orders)),
		events:    append([]domain.OrderEvent(nil), s.events...),
		eventKeys: make(map[eventKey]struct{}, len(s.eventKeys)),
		payments:  make(map[models.ID]domain.PaymentRecord, len(s.payments)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k := range s.eventKeys {
		c.eventKeys[k] = struct{}{}
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// MemoryOrderStore keeps orders, events and payments in process memory.
// Units of work are serialised and applied atomically on commit.
type MemoryOrderStore struct {
	mu    sync.RWMutex
	state *memoryState
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		state: &memoryState{
			orders:    make(map[models.ID]domain.Order),
			eventKeys: make(map[eventKey]struct{}),
			payments:  make(map[models.ID]domain.PaymentRecord),
		},
	}
}

func (s *MemoryOrderStore) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := s.state.clone()
	if err := fn(ctx, &memoryUnitOfWork{state: staged}); err != nil {
		return err
	}
	// an attempt abandoned by its deadline still commits, like a database
	// transaction that finished after the caller stopped waiting
	s.state = staged
	return nil
}

func (s *MemoryOrderStore) FindOrder(_ context.Context, id models.ID) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findOrder(s.state, id)
}

func (s *MemoryOrderStore) ListEvents(_ context.Context, orderID models.ID) ([]*domain.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.OrderEvent
	for i := range s.state.events {
		if s.state.events[i].OrderID == orderID {
			event := s.state.events[i]
			out = append(out, &event)
		}
	}
	return out, nil
}

func (s *MemoryOrderStore) ListPayments(_ context.Context, orderID models.ID) ([]*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.PaymentRecord
	for _, payment := range s.state.payments {
		if payment.OrderID == orderID {
			p := payment
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func findOrder(state *memoryState, id models.ID) (*domain.Order, error) {
	order, ok := state.orders[id]
	if !ok {
		return nil, errors.Wrap(domain.ErrOrderNotFound, id.String())
	}
	return &order, nil
}

type memoryUnitOfWork struct {
	state *memoryState
}

func (u *memoryUnitOfWork) FindOrder(_ context.Context, id models.ID) (*domain.Order, error) {
	return findOrder(u.state, id)
}

func (u *memoryUnitOfWork) InsertOrderIfAbsent(_ context.Context, order *domain.Order) (bool, error) {
	if _, ok := u.state.orders[order.ID]; ok {
		return false, nil
	}
	u.state.orders[order.ID] = *order
	return true, nil
}

func (u *memoryUnitOfWork) UpdateOrderState(_ context.Context, id models.ID, target domain.OrderState, now time.Time) error {
	order, err := findOrder(u.state, id)
	if err != nil {
		return err
	}
	if _, err := order.TransitionTo(target, now); err != nil {
		return err
	}
	u.state.orders[id] = *order
	return nil
}

func (u *memoryUnitOfWork) FindPayment(_ context.Context, paymentID models.ID) (*domain.PaymentRecord, error) {
	payment, ok := u.state.payments[paymentID]
	if !ok {
		return nil, errors.Wrap(domain.ErrPaymentNotFound, paymentID.String())
	}
	return &payment, nil
}

func (u *memoryUnitOfWork) FindPaymentByOrder(_ context.Context, orderID models.ID) (*domain.PaymentRecord, error) {
	var found *domain.PaymentRecord
	for _, payment := range u.state.payments {
		if payment.OrderID != orderID {
			continue
		}
		if found == nil || payment.CreatedAt.Before(found.CreatedAt) {
			p := payment
			found = &p
		}
	}
	if found == nil {
		return nil, errors.Wrapf(domain.ErrPaymentNotFound, "order %s", orderID)
	}
	return found, nil
}

func (u *memoryUnitOfWork) InsertPaymentIfAbsent(_ context.Context, payment *domain.PaymentRecord) (bool, error) {
	if _, ok := u.state.payments[payment.PaymentID]; ok {
		return false, nil
	}
	u.state.payments[payment.PaymentID] = *payment
	return true, nil
}

func (u *memoryUnitOfWork) AppendEvent(_ context.Context, event *domain.OrderEvent) (bool, error) {
	key := eventKey{orderID: event.OrderID, eventType: event.Type}
	if _, ok := u.state.eventKeys[key]; ok {
		return false, nil
	}
	u.state.eventKeys[key] = struct{}{}
	u.state.events = append(u.state.events, *event)
	return true, nil
}
