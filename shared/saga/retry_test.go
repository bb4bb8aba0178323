package saga

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
)

var errFlaky = errors.New("flaky")

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name     string
		policy   RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{"zero interval", RetryPolicy{BackoffCoefficient: 2}, 3, 0},
		{"first retry", RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2}, 1, time.Second},
		{"exponential", RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2}, 4, 8 * time.Second},
		{"flat", RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 1}, 5, time.Second},
		{"capped", RetryPolicy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 5 * time.Second}, 10, 5 * time.Second},
		{"no attempt yet", DefaultRetryPolicy(), 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.NoError(t, RetryPolicy{MaximumAttempts: 10, BackoffCoefficient: 1}.Validate())
	assert.ErrorIs(t, RetryPolicy{BackoffCoefficient: 0.5}.Validate(), ErrInvalidRetryPolicy)
	assert.ErrorIs(t, RetryPolicy{MaximumAttempts: -1}.Validate(), ErrInvalidRetryPolicy)
	assert.ErrorIs(t, RetryPolicy{InitialInterval: -time.Second}.Validate(), ErrInvalidRetryPolicy)
	assert.ErrorIs(t, RetryPolicy{InitialInterval: time.Minute, MaximumInterval: time.Second}.Validate(), ErrInvalidRetryPolicy)
}

func TestRetryPolicy_ToTemporal(t *testing.T) {
	t.Run("immediate flat retries", func(t *testing.T) {
		policy := RetryPolicy{BackoffCoefficient: 1, MaximumAttempts: 10}.ToTemporal()
		assert.Equal(t, minRetryInterval, policy.InitialInterval)
		assert.Equal(t, 1.0, policy.BackoffCoefficient)
		assert.Equal(t, int32(10), policy.MaximumAttempts)
		assert.Zero(t, policy.MaximumInterval)
	})

	t.Run("defaults", func(t *testing.T) {
		policy := DefaultRetryPolicy().ToTemporal()
		assert.Equal(t, time.Second, policy.InitialInterval)
		assert.Equal(t, 2.0, policy.BackoffCoefficient)
		assert.Equal(t, 100*time.Second, policy.MaximumInterval)
		assert.Zero(t, policy.MaximumAttempts, "zero is unlimited")
	})

	t.Run("non retryable types", func(t *testing.T) {
		policy := RetryPolicy{NonRetryableErrorTypes: []string{PermanentErrorType}}.ToTemporal()
		assert.Equal(t, []string{PermanentErrorType}, policy.NonRetryableErrorTypes)
		assert.Equal(t, 1.0, policy.BackoffCoefficient)
	})
}

func TestRetryPolicy_Retryable(t *testing.T) {
	policy := RetryPolicy{NonRetryableErrorTypes: []string{"OrderRejected"}}

	assert.False(t, policy.Retryable(nil))
	assert.True(t, policy.Retryable(errFlaky))
	assert.True(t, policy.Retryable(errors.Wrap(context.DeadlineExceeded, "dial")))
	assert.False(t, policy.Retryable(context.Canceled))
	assert.False(t, policy.Retryable(Permanent(errFlaky)))
	assert.False(t, policy.Retryable(temporal.NewApplicationError("rejected", "OrderRejected")))
	assert.True(t, policy.Retryable(temporal.NewApplicationError("busy", "Busy")))
}

func TestDial_LazyDoesNotConnect(t *testing.T) {
	config := DefaultClientConfig()
	config.HostPort = "127.0.0.1:1"
	config.Lazy = true

	c, err := Dial(context.Background(), config, nil)
	require.NoError(t, err)
	c.Close()
}

func TestClientConfig_DialPolicyFromRetry(t *testing.T) {
	config := DefaultClientConfig()
	assert.Equal(t, "localhost:7233", config.HostPort)
	assert.Equal(t, "default", config.Namespace)

	policy := config.DialPolicy()
	require.NoError(t, policy.Validate())
	assert.Equal(t, 5, policy.MaximumAttempts)
	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
}
