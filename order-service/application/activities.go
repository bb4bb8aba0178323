package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/faults"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

const (
	ReceiveOrderActivity    = "ReceiveOrder"
	ValidateOrderActivity   = "ValidateOrder"
	ChargePaymentActivity   = "ChargePayment"
	MarkShippedActivity     = "MarkShipped"
	PreparePackageActivity  = "PreparePackage"
	DispatchCarrierActivity = "DispatchCarrier"
)

// ReceiveOrderInput carries the draft order supplied when the saga started
type ReceiveOrderInput struct {
	OrderID models.ID      `json:"order_id"`
	Items   []domain.Item  `json:"items"`
	Address domain.Address `json:"address"`
}

// ChargeInput is the order to charge and the idempotency key of the charge
type ChargeInput struct {
	Order     domain.OrderPayload `json:"order"`
	PaymentID models.ID           `json:"payment_id"`
}

// ChargeResult describes the payment row backing a charge
type ChargeResult struct {
	PaymentID models.ID            `json:"payment_id"`
	Status    domain.PaymentStatus `json:"status"`
	Amount    int64                `json:"amount"`
}

func chargeResult(payment *domain.PaymentRecord) ChargeResult {
	return ChargeResult{PaymentID: payment.PaymentID, Status: payment.Status, Amount: payment.Amount}
}

// Activities are the side-effecting steps of the order and shipping sagas.
// Every activity may run more than once for the same input and converges on
// the same stored state.
type Activities struct {
	store  domain.OrderStore
	faults faults.Injector
	logger *zap.Logger
	now    func() time.Time
}

// NewActivities creates the saga activities. A nil injector disables fault
// injection.
func NewActivities(store domain.OrderStore, injector faults.Injector, logger *zap.Logger) *Activities {
	if injector == nil {
		injector = faults.NopInjector{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		store:  store,
		faults: injector,
		logger: logger.Named("activities"),
		now:    time.Now,
	}
}

// ReceiveOrder persists the order in the received state
func (a *Activities) ReceiveOrder(ctx context.Context, in ReceiveOrderInput) (domain.OrderPayload, error) {
	payload := domain.OrderPayload{
		OrderID: in.OrderID,
		Items:   in.Items,
		Address: in.Address,
	}
	if payload.Address == (domain.Address{}) {
		payload.Address = domain.DefaultAddress()
	}
	if err := payload.Validate(); err != nil {
		return domain.OrderPayload{}, saga.Permanent(err)
	}

	if err := a.faults.Call(ctx, ReceiveOrderActivity); err != nil {
		return domain.OrderPayload{}, err
	}

	now := a.now()
	err := a.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if _, err := uow.InsertOrderIfAbsent(ctx, domain.NewOrder(payload.OrderID, payload.Address, now)); err != nil {
			return err
		}
		_, err := a.appendEvent(ctx, uow, payload.OrderID, domain.OrderStateReceived, payload, now)
		return err
	})
	if err != nil {
		return domain.OrderPayload{}, classify(err)
	}

	a.logger.Info("order received", zap.String("order_id", payload.OrderID.String()))
	return payload, nil
}

// ValidateOrder moves a received order to validated, or to rejected when it
// carries no items. It reports false for rejected and for unknown orders.
func (a *Activities) ValidateOrder(ctx context.Context, order domain.OrderPayload) (bool, error) {
	if err := order.Validate(); err != nil {
		return false, saga.Permanent(err)
	}

	if err := a.faults.Call(ctx, ValidateOrderActivity); err != nil {
		return false, err
	}

	now := a.now()
	var valid bool
	err := a.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		current, err := uow.FindOrder(ctx, order.OrderID)
		if errors.Is(err, domain.ErrOrderNotFound) {
			a.logger.Warn("order not found for validation", zap.String("order_id", order.OrderID.String()))
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case current.State.ReachedOrPassed(domain.OrderStateValidated):
			valid = true
			return nil
		case current.State == domain.OrderStateRejected:
			return nil
		case len(order.Items) == 0:
			return a.transition(ctx, uow, current, domain.OrderStateRejected, order, now)
		default:
			valid = true
			return a.transition(ctx, uow, current, domain.OrderStateValidated, order, now)
		}
	})
	if err != nil {
		return false, classify(err)
	}

	a.logger.Info("order validated",
		zap.String("order_id", order.OrderID.String()),
		zap.Bool("valid", valid),
	)
	return valid, nil
}

// ChargePayment charges the order once. A payment that already exists is
// returned as stored, and an order that an earlier run already charged under
// another payment id returns that payment instead of charging again.
func (a *Activities) ChargePayment(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if err := in.Order.Validate(); err != nil {
		return ChargeResult{}, saga.Permanent(err)
	}
	if in.PaymentID == "" {
		return ChargeResult{}, saga.Permanent(errors.Wrap(domain.ErrInvalidPayload, "payment id is required"))
	}

	if err := a.faults.Call(ctx, ChargePaymentActivity); err != nil {
		return ChargeResult{}, err
	}

	now := a.now()
	var result ChargeResult
	err := a.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		existing, err := uow.FindPayment(ctx, in.PaymentID)
		if err == nil {
			result = chargeResult(existing)
			return nil
		}
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			return err
		}

		current, err := uow.FindOrder(ctx, in.Order.OrderID)
		if err != nil {
			return err
		}
		if current.State != domain.OrderStateValidated && current.State.ReachedOrPassed(domain.OrderStateCharged) {
			prior, err := uow.FindPaymentByOrder(ctx, current.ID)
			if err != nil {
				return err
			}
			result = chargeResult(prior)
			return nil
		}
		if current.State != domain.OrderStateValidated {
			return errors.Wrapf(domain.ErrIllegalTransition, "order %s is %s, cannot charge payment %s",
				current.ID, current.State, in.PaymentID)
		}
		if err := a.transition(ctx, uow, current, domain.OrderStateCharged, in.Order, now); err != nil {
			return err
		}

		payment := &domain.PaymentRecord{
			PaymentID: in.PaymentID,
			OrderID:   in.Order.OrderID,
			Status:    domain.PaymentStatusCharged,
			Amount:    in.Order.TotalQty(),
			CreatedAt: now,
		}
		if _, err := uow.InsertPaymentIfAbsent(ctx, payment); err != nil {
			return err
		}
		result = chargeResult(payment)
		return nil
	})
	if err != nil {
		return ChargeResult{}, classify(err)
	}

	a.logger.Info("payment charged",
		zap.String("order_id", in.Order.OrderID.String()),
		zap.String("payment_id", result.PaymentID.String()),
		zap.Int64("amount", result.Amount),
	)
	return result, nil
}

func (a *Activities) MarkShipped(ctx context.Context, order domain.OrderPayload) (string, error) {
	if err := a.advance(ctx, MarkShippedActivity, order, domain.OrderStateShipped); err != nil {
		return "", err
	}
	return "Shipped", nil
}

func (a *Activities) PreparePackage(ctx context.Context, order domain.OrderPayload) (string, error) {
	if err := a.advance(ctx, PreparePackageActivity, order, domain.OrderStatePackagePrepared); err != nil {
		return "", err
	}
	return "Package ready", nil
}

func (a *Activities) DispatchCarrier(ctx context.Context, order domain.OrderPayload) (string, error) {
	if err := a.advance(ctx, DispatchCarrierActivity, order, domain.OrderStateDispatched); err != nil {
		return "", err
	}
	return "Dispatched", nil
}

// advance moves an existing order to target. Orders already at or beyond
// target are left untouched.
func (a *Activities) advance(ctx context.Context, operation string, order domain.OrderPayload, target domain.OrderState) error {
	if err := order.Validate(); err != nil {
		return saga.Permanent(err)
	}

	if err := a.faults.Call(ctx, operation); err != nil {
		return err
	}

	now := a.now()
	err := a.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		current, err := uow.FindOrder(ctx, order.OrderID)
		if err != nil {
			return err
		}
		return a.transition(ctx, uow, current, target, order, now)
	})
	if err != nil {
		return classify(err)
	}

	a.logger.Info("order advanced",
		zap.String("order_id", order.OrderID.String()),
		zap.String("state", target.String()),
	)
	return nil
}

// transition writes target and its audit event. Replays against an order that
// has already moved past target are no-ops.
func (a *Activities) transition(
	ctx context.Context,
	uow domain.UnitOfWork,
	current *domain.Order,
	target domain.OrderState,
	payload domain.OrderPayload,
	now time.Time,
) error {
	if current.State != target && current.State.ReachedOrPassed(target) {
		return nil
	}
	if err := uow.UpdateOrderState(ctx, current.ID, target, now); err != nil {
		return err
	}
	_, err := a.appendEvent(ctx, uow, current.ID, target, payload, now)
	return err
}

func (a *Activities) appendEvent(
	ctx context.Context,
	uow domain.UnitOfWork,
	orderID models.ID,
	eventType domain.OrderState,
	payload domain.OrderPayload,
	now time.Time,
) (bool, error) {
	event, err := domain.NewOrderEvent(orderID, eventType, payload, now)
	if err != nil {
		return false, err
	}
	return uow.AppendEvent(ctx, event)
}

// classify marks domain failures as permanent. Anything else, a lost
// connection or a cancelled attempt, stays retryable.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrInvalidPayload):
		return saga.Permanent(err)
	default:
		return err
	}
}
