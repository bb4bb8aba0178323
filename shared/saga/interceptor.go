package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"

	"github.com/trellis/order-saga/shared/telemetry"
)

// TelemetryInterceptor traces every activity attempt and counts attempts by
// outcome
type TelemetryInterceptor struct {
	interceptor.WorkerInterceptorBase
	telemetry *telemetry.Telemetry
}

func NewTelemetryInterceptor(tel *telemetry.Telemetry) *TelemetryInterceptor {
	return &TelemetryInterceptor{telemetry: tel}
}

func (t *TelemetryInterceptor) InterceptActivity(
	ctx context.Context,
	next interceptor.ActivityInboundInterceptor,
) interceptor.ActivityInboundInterceptor {
	i := &activityTelemetry{telemetry: t.telemetry}
	i.Next = next
	return i
}

type activityTelemetry struct {
	interceptor.ActivityInboundInterceptorBase
	telemetry *telemetry.Telemetry
}

func (a *activityTelemetry) ExecuteActivity(ctx context.Context, in *interceptor.ExecuteActivityInput) (interface{}, error) {
	info := activity.GetInfo(ctx)
	if a.telemetry != nil {
		ctx = telemetry.WithTelemetry(ctx, a.telemetry)
	}

	ctx, span := telemetry.StartSpan(ctx, "saga.activity."+info.ActivityType.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", info.WorkflowExecution.ID),
		attribute.String("task_queue", info.TaskQueue),
		attribute.Int("attempt", int(info.Attempt)),
	)

	started := time.Now()
	result, err := a.Next.ExecuteActivity(ctx, in)

	status := AttemptStatus(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := []attribute.KeyValue{
		attribute.String("activity", info.ActivityType.Name),
		attribute.String("task_queue", info.TaskQueue),
		attribute.String("status", string(status)),
	}
	telemetry.RecordCounter(ctx, "saga_activity_attempts_total", "Activity attempts by outcome", 1, attrs...)
	telemetry.RecordHistogram(ctx, "saga_activity_duration_seconds", "Activity attempt duration", time.Since(started).Seconds(), attrs...)

	return result, err
}

// AttemptStatus classifies a single activity attempt
func AttemptStatus(err error) OutcomeStatus {
	switch {
	case err == nil:
		return Succeeded
	case IsPermanent(err):
		return Failed
	default:
		return TransientFailure
	}
}
