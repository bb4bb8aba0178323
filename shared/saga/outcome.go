package saga

import (
	"github.com/pkg/errors"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
)

// OutcomeStatus classifies the result of a step
type OutcomeStatus string

const (
	Succeeded        OutcomeStatus = "succeeded"
	TransientFailure OutcomeStatus = "transient_failure"
	Cancelled        OutcomeStatus = "cancelled"
	Failed           OutcomeStatus = "failed"
)

// CancelReason says why a step ended Cancelled
type CancelReason string

const (
	ReasonNone       CancelReason = ""
	ReasonTimeout    CancelReason = "timeout"
	ReasonTerminated CancelReason = "terminated"
	ReasonCancelled  CancelReason = "cancelled"
)

// Outcome is what a workflow sees after an activity has been retried to the
// end of its policy. TransientFailure only ever describes a single attempt.
type Outcome struct {
	Status OutcomeStatus
	Err    error
	Reason CancelReason
}

func (o Outcome) Succeeded() bool {
	return o.Status == Succeeded
}

// TimedOut is true when the retry budget ran out before a success
func (o Outcome) TimedOut() bool {
	return o.Status == Cancelled && o.Reason == ReasonTimeout
}

// Interrupted is true when the owning run was terminated or cancelled
func (o Outcome) Interrupted() bool {
	return o.Status == Cancelled && o.Reason != ReasonTimeout
}

// Classify turns the error of a finished activity or child workflow into an
// Outcome:
//   - nil is Succeeded
//   - a cancelled or terminated run is Cancelled with that reason
//   - a non-retryable application error is Failed
//   - a start-to-close timeout or a retryable error, which only reaches the
//     workflow once the retry budget is spent, is Cancelled with ReasonTimeout
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Status: Succeeded}
	}

	var (
		canceled   *temporal.CanceledError
		terminated *temporal.TerminatedError
		appErr     *temporal.ApplicationError
		timeoutErr *temporal.TimeoutError
		actErr     *temporal.ActivityError
	)
	switch {
	case errors.As(err, &canceled):
		return Outcome{Status: Cancelled, Reason: ReasonCancelled, Err: err}
	case errors.As(err, &terminated):
		return Outcome{Status: Cancelled, Reason: ReasonTerminated, Err: err}
	case errors.As(err, &appErr) && appErr.NonRetryable():
		return Outcome{Status: Failed, Err: err}
	case errors.As(err, &actErr) && actErr.RetryState() == enumspb.RETRY_STATE_NON_RETRYABLE_FAILURE:
		return Outcome{Status: Failed, Err: err}
	case errors.As(err, &timeoutErr), errors.As(err, &actErr), errors.As(err, &appErr):
		return Outcome{Status: Cancelled, Reason: ReasonTimeout, Err: err}
	default:
		return Outcome{Status: Failed, Err: err}
	}
}
