package saga

import (
	"github.com/pkg/errors"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"
)

var (
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")
	ErrWorkflowNotFound       = errors.New("workflow not found")
	ErrWorkflowNotRunning     = errors.New("workflow is not running")
	ErrInvalidRetryPolicy     = errors.New("invalid retry policy")

	// ErrUnavailable means the Temporal frontend could not be reached
	ErrUnavailable = errors.New("workflow service unavailable")
)

// PermanentErrorType is the application error type of errors marked Permanent
const PermanentErrorType = "Permanent"

// Permanent marks err as not worth retrying. Temporal stops retrying the
// activity at the first permanent error and the workflow sees a Failed
// outcome. The original error stays reachable through errors.Is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), PermanentErrorType, err)
}

// IsPermanent reports whether err, or anything it wraps, is a non-retryable
// application error
func IsPermanent(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

// TranslateError maps Temporal service errors onto the package sentinels so
// callers can branch with errors.Is. Other errors are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var (
		alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		notFound       *serviceerror.NotFound
		unavailable    *serviceerror.Unavailable
	)
	switch {
	case errors.As(err, &alreadyStarted):
		return errors.Wrap(ErrWorkflowAlreadyStarted, err.Error())
	case errors.As(err, &notFound):
		return errors.Wrap(ErrWorkflowNotFound, err.Error())
	case errors.As(err, &unavailable):
		return errors.Wrap(ErrUnavailable, err.Error())
	default:
		return err
	}
}

// IsChildAlreadyStarted reports whether a child workflow could not start
// because a run with its id is still open
func IsChildAlreadyStarted(err error) bool {
	var started *temporal.ChildWorkflowExecutionAlreadyStartedError
	return errors.As(err, &started)
}
