package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/order-saga/order-service/domain"
)

func TestMemoryOrderStore_UnitOfWork(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		created, err := uow.InsertOrderIfAbsent(ctx, domain.NewOrder("42", domain.DefaultAddress(), now))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = uow.InsertOrderIfAbsent(ctx, domain.NewOrder("42", domain.Address{Street: "elsewhere"}, now))
		require.NoError(t, err)
		assert.False(t, created)

		event, err := domain.NewOrderEvent("42", domain.OrderStateReceived, map[string]string{}, now)
		require.NoError(t, err)
		appended, err := uow.AppendEvent(ctx, event)
		require.NoError(t, err)
		assert.True(t, appended)
		return nil
	})
	require.NoError(t, err)

	order, err := store.FindOrder(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateReceived, order.State)
	assert.Equal(t, "123 Main St", order.Address.Street)

	events, err := store.ListEvents(ctx, "42")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderStateReceived, events[0].Type)
}

func TestMemoryOrderStore_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	boom := errors.New("boom")

	err := store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		_, err := uow.InsertOrderIfAbsent(ctx, domain.NewOrder("42", domain.DefaultAddress(), time.Now()))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.FindOrder(ctx, "42")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMemoryOrderStore_UpdateOrderState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	now := time.Now()

	update := func(target domain.OrderState) error {
		return store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
			return uow.UpdateOrderState(ctx, "42", target, now)
		})
	}

	assert.ErrorIs(t, update(domain.OrderStateValidated), domain.ErrOrderNotFound)

	require.NoError(t, store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		_, err := uow.InsertOrderIfAbsent(ctx, domain.NewOrder("42", domain.DefaultAddress(), now))
		return err
	}))

	require.NoError(t, update(domain.OrderStateValidated))
	require.NoError(t, update(domain.OrderStateValidated))
	assert.ErrorIs(t, update(domain.OrderStateShipped), domain.ErrIllegalTransition)
	require.NoError(t, update(domain.OrderStateCharged))
	require.NoError(t, update(domain.OrderStateShipped))
	assert.ErrorIs(t, update(domain.OrderStateCharged), domain.ErrIllegalTransition)

	order, err := store.FindOrder(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateShipped, order.State)
}

func TestMemoryOrderStore_Payments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()
	now := time.Now()

	payment := &domain.PaymentRecord{PaymentID: "p-1", OrderID: "42", Status: domain.PaymentStatusCharged, Amount: 3, CreatedAt: now}
	err := store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		_, err := uow.FindPayment(ctx, "p-1")
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

		created, err := uow.InsertPaymentIfAbsent(ctx, payment)
		require.NoError(t, err)
		assert.True(t, created)

		again := *payment
		again.Amount = 99
		created, err = uow.InsertPaymentIfAbsent(ctx, &again)
		require.NoError(t, err)
		assert.False(t, created)

		found, err := uow.FindPayment(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), found.Amount)

		later := domain.PaymentRecord{PaymentID: "p-2", OrderID: "42", Status: domain.PaymentStatusCharged, Amount: 3, CreatedAt: now.Add(time.Second)}
		_, err = uow.InsertPaymentIfAbsent(ctx, &later)
		require.NoError(t, err)

		first, err := uow.FindPaymentByOrder(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "p-1", first.PaymentID.String())

		_, err = uow.FindPaymentByOrder(ctx, "43")
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
		return nil
	})
	require.NoError(t, err)

	payments, err := store.ListPayments(ctx, "42")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, int64(3), payments[0].Amount)
	assert.Equal(t, "p-1", payments[0].PaymentID.String())
}

func TestMemoryOrderStore_DuplicateEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOrderStore()

	for i := 0; i < 3; i++ {
		err := store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
			event, err := domain.NewOrderEvent("42", domain.OrderStateCharged, map[string]int{"attempt": i}, time.Now())
			require.NoError(t, err)
			appended, err := uow.AppendEvent(ctx, event)
			require.NoError(t, err)
			assert.Equal(t, i == 0, appended)
			return nil
		})
		require.NoError(t, err)
	}

	events, err := store.ListEvents(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryOrderStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewMemoryOrderStore().WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
