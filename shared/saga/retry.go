package saga

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.temporal.io/sdk/temporal"
)

// minRetryInterval stands in for a zero InitialInterval. Temporal reads zero
// as "use the server default" of one second.
const minRetryInterval = time.Millisecond

// RetryPolicy controls how an activity is retried.
// MaximumAttempts of zero means unlimited attempts.
type RetryPolicy struct {
	InitialInterval    time.Duration `mapstructure:"initial_interval"`
	BackoffCoefficient float64       `mapstructure:"backoff_coefficient"`
	MaximumInterval    time.Duration `mapstructure:"maximum_interval"`
	MaximumAttempts    int           `mapstructure:"maximum_attempts"`
	// NonRetryableErrorTypes are application error types that end retries
	NonRetryableErrorTypes []string `mapstructure:"non_retryable_error_types"`
}

// DefaultRetryPolicy mirrors the Temporal server default
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    100 * time.Second,
		MaximumAttempts:    0,
	}
}

func (p RetryPolicy) Validate() error {
	if p.InitialInterval < 0 || p.MaximumInterval < 0 {
		return errors.Wrap(ErrInvalidRetryPolicy, "intervals must not be negative")
	}
	if p.BackoffCoefficient != 0 && p.BackoffCoefficient < 1 {
		return errors.Wrap(ErrInvalidRetryPolicy, "backoff coefficient must be at least 1")
	}
	if p.MaximumAttempts < 0 {
		return errors.Wrap(ErrInvalidRetryPolicy, "maximum attempts must not be negative")
	}
	if p.MaximumInterval > 0 && p.MaximumInterval < p.InitialInterval {
		return errors.Wrap(ErrInvalidRetryPolicy, "maximum interval is below initial interval")
	}
	return nil
}

// ToTemporal converts the policy for activity and child workflow options. A
// zero InitialInterval becomes minRetryInterval so that retries stay
// back-to-back.
func (p RetryPolicy) ToTemporal() *temporal.RetryPolicy {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = minRetryInterval
	}
	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}
	maximum := p.MaximumInterval
	if maximum > 0 && maximum < initial {
		maximum = initial
	}

	return &temporal.RetryPolicy{
		InitialInterval:        initial,
		BackoffCoefficient:     coefficient,
		MaximumInterval:        maximum,
		MaximumAttempts:        int32(p.MaximumAttempts),
		NonRetryableErrorTypes: p.NonRetryableErrorTypes,
	}
}

// Delay is the wait after the given failed attempt (1-based):
// InitialInterval * BackoffCoefficient^(attempt-1), capped at MaximumInterval.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.InitialInterval <= 0 {
		return 0
	}

	coefficient := p.BackoffCoefficient
	if coefficient < 1 {
		coefficient = 1
	}

	d := float64(p.InitialInterval) * math.Pow(coefficient, float64(attempt-1))
	if p.MaximumInterval > 0 && d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Retryable reports whether another attempt may follow err
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		for _, errType := range p.NonRetryableErrorTypes {
			if appErr.Type() == errType {
				return false
			}
		}
	}
	return true
}
