package handlers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/order-service/application"
	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/events"
	"github.com/trellis/order-saga/shared/saga"
)

// OrderCommandHandlers turns order commands received from the queue into the
// same use cases the HTTP surface runs
type OrderCommandHandlers struct {
	startOrder  *application.StartOrder
	cancelOrder *application.CancelOrder
	logger      *zap.Logger
}

// NewOrderCommandHandlers creates new order command handlers
func NewOrderCommandHandlers(
	startOrder *application.StartOrder,
	cancelOrder *application.CancelOrder,
	logger *zap.Logger,
) *OrderCommandHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderCommandHandlers{
		startOrder:  startOrder,
		cancelOrder: cancelOrder,
		logger:      logger.Named("order-commands"),
	}
}

// Register routes both commands through router
func (h *OrderCommandHandlers) Register(router *events.Router) {
	router.RegisterHandler(events.OrderStartRequestedEvent, h)
	router.RegisterHandler(events.OrderCancelRequestedEvent, h)
}

// Handle implements the events.EventHandler interface
func (h *OrderCommandHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.OrderStartRequestedEvent:
		return h.HandleStartRequested(ctx, event)
	case events.OrderCancelRequestedEvent:
		return h.HandleCancelRequested(ctx, event)
	default:
		return nil
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *OrderCommandHandlers) HandlerID() string {
	return "order-service-command-handler"
}

// HandleStartRequested starts an order saga. Commands that can never succeed,
// a malformed payload or a saga that is already running, are acknowledged so
// the queue does not redeliver them.
func (h *OrderCommandHandlers) HandleStartRequested(ctx context.Context, event *events.Event) error {
	var cmd application.StartOrderCommand
	if err := event.UnmarshalPayload(&cmd); err != nil {
		h.logger.Warn("dropping malformed start command", zap.String("event_id", event.ID.String()), zap.Error(err))
		return nil
	}

	response, err := h.startOrder.Execute(ctx, &cmd)
	switch {
	case err == nil:
		h.logger.Info("order saga started from queue",
			zap.String("order_id", cmd.OrderID),
			zap.String("run_id", response.RunID),
		)
		return nil
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, saga.ErrWorkflowAlreadyStarted):
		h.logger.Warn("start command rejected", zap.String("order_id", cmd.OrderID), zap.Error(err))
		return nil
	default:
		return errors.Wrap(err, "failed to start order")
	}
}

// HandleCancelRequested terminates a running order saga. Cancelling a saga
// that is not running is acknowledged.
func (h *OrderCommandHandlers) HandleCancelRequested(ctx context.Context, event *events.Event) error {
	var cmd application.CancelOrderCommand
	if err := event.UnmarshalPayload(&cmd); err != nil {
		h.logger.Warn("dropping malformed cancel command", zap.String("event_id", event.ID.String()), zap.Error(err))
		return nil
	}

	_, err := h.cancelOrder.Execute(ctx, &cmd)
	switch {
	case err == nil:
		h.logger.Info("order saga cancelled from queue", zap.String("order_id", cmd.OrderID))
		return nil
	case errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, saga.ErrWorkflowNotFound),
		errors.Is(err, saga.ErrWorkflowNotRunning):
		h.logger.Warn("cancel command rejected", zap.String("order_id", cmd.OrderID), zap.Error(err))
		return nil
	default:
		return errors.Wrap(err, "failed to cancel order")
	}
}
