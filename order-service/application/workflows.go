package application

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/shared/events"
	"github.com/trellis/order-saga/shared/models"
	"github.com/trellis/order-saga/shared/saga"
)

const (
	OrderQueue    = "ORDER_QUEUE"
	ShippingQueue = "SHIPPING_QUEUE"

	OrderWorkflowType    = "OrderWorkflow"
	ShippingWorkflowType = "ShippingWorkflow"

	TimeoutResult          = "Activity cancelled due to timeout"
	ShippingCompleteResult = "Shipping Workflow Complete"

	// OrderRejectedErrorType is the failure type of an order saga that found
	// no items to validate
	OrderRejectedErrorType = "OrderRejected"
)

// A restarted order saga may find the shipping child of its previous run
// still open for a moment after that run closed.
const (
	shippingStartAttempts = 5
	shippingStartBackoff  = 2 * time.Second
)

// SagaState is the position of a saga run in its state machine. It is logged,
// the persisted order state lives in the store.
type SagaState string

const (
	SagaStarted         SagaState = "started"
	SagaReceived        SagaState = "received"
	SagaValidated       SagaState = "validated"
	SagaRejected        SagaState = "rejected"
	SagaCharged         SagaState = "charged"
	SagaShipped         SagaState = "shipped"
	SagaPackagePrepared SagaState = "package_prepared"
	SagaDispatched      SagaState = "dispatched"
	SagaTimedOut        SagaState = "timed_out"
	SagaFailed          SagaState = "failed"
)

func OrderWorkflowID(orderID models.ID) string {
	return fmt.Sprintf("Order-%s-Workflow", orderID)
}

func ShippingWorkflowID(orderID models.ID) string {
	return fmt.Sprintf("Shipping-%s-Workflow", orderID)
}

// OrderCompleteResult is the result of an order saga that reached shipped
func OrderCompleteResult(orderID models.ID) string {
	return fmt.Sprintf("Order Workflow Complete for %s!", orderID)
}

// SagaConfig tunes the retry budgets of both sagas
type SagaConfig struct {
	OrderMaxAttempts    int           `mapstructure:"order_max_attempts"`
	ShippingMaxAttempts int           `mapstructure:"shipping_max_attempts"`
	StartToCloseTimeout time.Duration `mapstructure:"start_to_close_timeout"`
	WorkerConcurrency   int           `mapstructure:"worker_concurrency"`
}

func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		OrderMaxAttempts:    10,
		ShippingMaxAttempts: 0,
		StartToCloseTimeout: 100 * time.Millisecond,
		WorkerConcurrency:   4,
	}
}

// OrderWorkflowInput starts an order saga
type OrderWorkflowInput struct {
	OrderID   models.ID      `json:"order_id"`
	PaymentID models.ID      `json:"payment_id"`
	Items     []domain.Item  `json:"items"`
	Address   domain.Address `json:"address"`
}

// Registry is the part of a Temporal worker that workflows and activities are
// registered on
type Registry interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Workflows holds the saga definitions and the activities they schedule
type Workflows struct {
	activities *Activities
	notifier   *LifecycleNotifier
	config     SagaConfig
}

func NewWorkflows(activities *Activities, notifier *LifecycleNotifier, config SagaConfig) *Workflows {
	return &Workflows{
		activities: activities,
		notifier:   notifier,
		config:     config,
	}
}

// RegisterOrderQueue registers what ORDER_QUEUE serves: the order saga, its
// activities and the lifecycle notifier used by both sagas
func (w *Workflows) RegisterOrderQueue(r Registry) {
	r.RegisterWorkflowWithOptions(w.Order, workflow.RegisterOptions{Name: OrderWorkflowType})
	r.RegisterActivityWithOptions(w.activities.ReceiveOrder, activity.RegisterOptions{Name: ReceiveOrderActivity})
	r.RegisterActivityWithOptions(w.activities.ValidateOrder, activity.RegisterOptions{Name: ValidateOrderActivity})
	r.RegisterActivityWithOptions(w.activities.ChargePayment, activity.RegisterOptions{Name: ChargePaymentActivity})
	r.RegisterActivityWithOptions(w.activities.MarkShipped, activity.RegisterOptions{Name: MarkShippedActivity})
	r.RegisterActivityWithOptions(w.notifier.Notify, activity.RegisterOptions{Name: NotifyLifecycleActivity})
}

// RegisterShippingQueue registers what SHIPPING_QUEUE serves
func (w *Workflows) RegisterShippingQueue(r Registry) {
	r.RegisterWorkflowWithOptions(w.Shipping, workflow.RegisterOptions{Name: ShippingWorkflowType})
	r.RegisterActivityWithOptions(w.activities.PreparePackage, activity.RegisterOptions{Name: PreparePackageActivity})
	r.RegisterActivityWithOptions(w.activities.DispatchCarrier, activity.RegisterOptions{Name: DispatchCarrierActivity})
}

// NewWorkers creates one worker per task queue. Workers poll once started.
func (w *Workflows) NewWorkers(c client.Client, interceptors ...interceptor.WorkerInterceptor) []worker.Worker {
	options := worker.Options{
		MaxConcurrentActivityExecutionSize: w.config.WorkerConcurrency,
		Interceptors:                       interceptors,
	}

	orderWorker := worker.New(c, OrderQueue, options)
	w.RegisterOrderQueue(orderWorker)

	shippingWorker := worker.New(c, ShippingQueue, options)
	w.RegisterShippingQueue(shippingWorker)

	return []worker.Worker{orderWorker, shippingWorker}
}

func (w *Workflows) orderOptions() workflow.ActivityOptions {
	policy := saga.RetryPolicy{
		InitialInterval:    0,
		BackoffCoefficient: 1.0,
		MaximumAttempts:    w.config.OrderMaxAttempts,
	}
	return workflow.ActivityOptions{
		TaskQueue:           OrderQueue,
		StartToCloseTimeout: w.config.StartToCloseTimeout,
		RetryPolicy:         policy.ToTemporal(),
	}
}

func (w *Workflows) shippingOptions() workflow.ActivityOptions {
	policy := saga.DefaultRetryPolicy()
	policy.InitialInterval = 0
	policy.BackoffCoefficient = 1.0
	policy.MaximumAttempts = w.config.ShippingMaxAttempts
	return workflow.ActivityOptions{
		TaskQueue:           ShippingQueue,
		StartToCloseTimeout: w.config.StartToCloseTimeout,
		RetryPolicy:         policy.ToTemporal(),
	}
}

// Order is the order saga: received -> validated -> charged -> shipping ->
// shipped
func (w *Workflows) Order(ctx workflow.Context, in OrderWorkflowInput) (string, error) {
	w.notifyStarted(ctx)
	result, err := w.runOrder(ctx, in)
	w.notifyClosed(ctx, result, err)
	return result, err
}

// Shipping is the shipping saga: package_prepared -> dispatched
func (w *Workflows) Shipping(ctx workflow.Context, order domain.OrderPayload) (string, error) {
	w.notifyStarted(ctx)
	result, err := w.runShipping(ctx, order)
	w.notifyClosed(ctx, result, err)
	return result, err
}

func (w *Workflows) runOrder(ctx workflow.Context, in OrderWorkflowInput) (string, error) {
	logger := log.With(workflow.GetLogger(ctx), "order_id", in.OrderID.String())
	ctx = workflow.WithActivityOptions(ctx, w.orderOptions())
	enter(logger, SagaStarted)

	var order domain.OrderPayload
	err := workflow.ExecuteActivity(ctx, ReceiveOrderActivity, ReceiveOrderInput{
		OrderID: in.OrderID,
		Items:   in.Items,
		Address: in.Address,
	}).Get(ctx, &order)
	if result, stop, err := settle(logger, ReceiveOrderActivity, err); stop {
		return result, err
	}
	enter(logger, SagaReceived)

	var valid bool
	err = workflow.ExecuteActivity(ctx, ValidateOrderActivity, order).Get(ctx, &valid)
	if result, stop, err := settle(logger, ValidateOrderActivity, err); stop {
		return result, err
	}
	if !valid {
		enter(logger, SagaRejected)
		return "", temporal.NewNonRetryableApplicationError(domain.ErrNoItemsToValidate.Error(), OrderRejectedErrorType, nil)
	}
	enter(logger, SagaValidated)

	var charge ChargeResult
	err = workflow.ExecuteActivity(ctx, ChargePaymentActivity, ChargeInput{Order: order, PaymentID: in.PaymentID}).Get(ctx, &charge)
	if result, stop, err := settle(logger, ChargePaymentActivity, err); stop {
		return result, err
	}
	enter(logger, SagaCharged, "payment_id", charge.PaymentID.String(), "amount", charge.Amount)

	if err := w.ship(ctx, logger, order); err != nil {
		return "", err
	}

	var shipped string
	err = workflow.ExecuteActivity(ctx, MarkShippedActivity, order).Get(ctx, &shipped)
	if result, stop, err := settle(logger, MarkShippedActivity, err); stop {
		return result, err
	}
	enter(logger, SagaShipped)

	return OrderCompleteResult(in.OrderID), nil
}

// ship runs the shipping saga as a child and waits for it. A failed or timed
// out shipping saga does not hold up the order. A shipping id still held by
// the child of an earlier order run is waited out, the order never moves to
// shipped without its own shipping run.
func (w *Workflows) ship(ctx workflow.Context, logger log.Logger, order domain.OrderPayload) error {
	shippingID := ShippingWorkflowID(order.OrderID)
	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID: shippingID,
		TaskQueue:  ShippingQueue,
	})

	for attempt := 1; ; attempt++ {
		var result string
		err := workflow.ExecuteChildWorkflow(childCtx, ShippingWorkflowType, order).Get(ctx, &result)
		if retryShippingStart(err, attempt) {
			logger.Warn("shipping workflow of an earlier run still open", "workflow_id", shippingID, "attempt", attempt)
			if err := workflow.Sleep(ctx, shippingStartBackoff); err != nil {
				return err
			}
			continue
		}

		switch {
		case err == nil:
			logger.Info("shipping workflow finished", "result", result)
			return nil
		case saga.IsChildAlreadyStarted(err):
			enter(logger, SagaFailed, "step", ShippingWorkflowType)
			return errors.Wrapf(err, "%s still open after %d attempts", shippingID, attempt)
		case saga.Classify(err).Interrupted():
			return err
		default:
			logger.Warn("shipping workflow failed", "error", err)
			return nil
		}
	}
}

// retryShippingStart is true while a shipping id held by another run is
// worth waiting for
func retryShippingStart(err error, attempt int) bool {
	return saga.IsChildAlreadyStarted(err) && attempt < shippingStartAttempts
}

func (w *Workflows) runShipping(ctx workflow.Context, order domain.OrderPayload) (string, error) {
	logger := log.With(workflow.GetLogger(ctx), "order_id", order.OrderID.String())
	ctx = workflow.WithActivityOptions(ctx, w.shippingOptions())
	enter(logger, SagaStarted)

	var prepared string
	err := workflow.ExecuteActivity(ctx, PreparePackageActivity, order).Get(ctx, &prepared)
	if result, stop, err := settle(logger, PreparePackageActivity, err); stop {
		return result, err
	}
	enter(logger, SagaPackagePrepared)

	var dispatched string
	err = workflow.ExecuteActivity(ctx, DispatchCarrierActivity, order).Get(ctx, &dispatched)
	if result, stop, err := settle(logger, DispatchCarrierActivity, err); stop {
		return result, err
	}
	enter(logger, SagaDispatched)

	return ShippingCompleteResult, nil
}

// settle decides whether the saga stops after a step. An exhausted retry
// budget ends the run with the timeout result and no error.
func settle(logger log.Logger, step string, err error) (string, bool, error) {
	outcome := saga.Classify(err)
	switch {
	case outcome.Succeeded():
		return "", false, nil
	case outcome.TimedOut():
		enter(logger, SagaTimedOut, "step", step)
		logger.Warn(TimeoutResult, "step", step, "error", outcome.Err)
		return TimeoutResult, true, nil
	case outcome.Interrupted():
		return "", true, outcome.Err
	default:
		enter(logger, SagaFailed, "step", step)
		return "", true, errors.Wrapf(outcome.Err, "%s failed", step)
	}
}

func enter(logger log.Logger, state SagaState, keyvals ...interface{}) {
	logger.Info("saga state", append([]interface{}{"saga_state", string(state)}, keyvals...)...)
}

func (w *Workflows) notifyStarted(ctx workflow.Context) {
	w.notify(ctx, events.SagaStartedEvent, runInfo(ctx, saga.RunStatusRunning))
}

// notifyClosed runs on a disconnected context so a cancelled run still
// reports how it ended
func (w *Workflows) notifyClosed(ctx workflow.Context, result string, err error) {
	info := runInfo(ctx, saga.RunStatusCompleted)
	switch {
	case err == nil:
		info.Result = result
	case saga.Classify(err).Interrupted():
		info.Status = saga.RunStatusCancelled
		info.Error = err.Error()
	default:
		info.Status = saga.RunStatusFailed
		info.Error = err.Error()
	}

	closedCtx, _ := workflow.NewDisconnectedContext(ctx)
	w.notify(closedCtx, ClosedEventType(info), info)
}

// notify publishes a lifecycle event from ORDER_QUEUE. A publish that keeps
// failing is logged and does not fail the saga.
func (w *Workflows) notify(ctx workflow.Context, eventType string, info saga.RunInfo) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           OrderQueue,
		StartToCloseTimeout: notifyTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    notifyAttempts,
		},
	})
	err := workflow.ExecuteActivity(ctx, NotifyLifecycleActivity, LifecycleNotice{EventType: eventType, Run: info}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("lifecycle event not published", "event_type", eventType, "error", err)
	}
}

func runInfo(ctx workflow.Context, status saga.RunStatus) saga.RunInfo {
	info := workflow.GetInfo(ctx)
	run := saga.RunInfo{
		WorkflowID:   info.WorkflowExecution.ID,
		RunID:        info.WorkflowExecution.RunID,
		WorkflowType: info.WorkflowType.Name,
		Status:       status,
		StartedAt:    info.WorkflowStartTime,
	}
	if info.ParentWorkflowExecution != nil {
		run.ParentWorkflowID = info.ParentWorkflowExecution.ID
	}
	if status.Closed() {
		run.ClosedAt = workflow.Now(ctx)
	}
	return run
}
