package saga

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// ClientConfig points at the Temporal frontend
type ClientConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	// Lazy defers the connection to the first call
	Lazy         bool          `mapstructure:"lazy"`
	DialAttempts int           `mapstructure:"dial_attempts"`
	DialInterval time.Duration `mapstructure:"dial_interval"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HostPort:     client.DefaultHostPort,
		Namespace:    client.DefaultNamespace,
		DialAttempts: 5,
		DialInterval: time.Second,
	}
}

// DialPolicy is the backoff between connection attempts
func (c ClientConfig) DialPolicy() RetryPolicy {
	maximum := 30 * time.Second
	if c.DialInterval > maximum {
		maximum = c.DialInterval
	}
	return RetryPolicy{
		InitialInterval:    c.DialInterval,
		BackoffCoefficient: 2.0,
		MaximumInterval:    maximum,
		MaximumAttempts:    c.DialAttempts,
	}
}

func (c ClientConfig) options(logger *zap.Logger) client.Options {
	return client.Options{
		HostPort:  c.HostPort,
		Namespace: c.Namespace,
		Logger:    NewLogger(logger.Named("temporal")),
	}
}

// Dial connects to Temporal, retrying while the frontend is not reachable yet
func Dial(ctx context.Context, config ClientConfig, logger *zap.Logger) (client.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	options := config.options(logger)

	if config.Lazy {
		c, err := client.NewLazyClient(options)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create temporal client")
		}
		return c, nil
	}

	policy := config.DialPolicy()
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid temporal dial settings")
	}
	c, err := retry.DoWithData(
		func() (client.Client, error) {
			return client.DialContext(ctx, options)
		},
		retry.Context(ctx),
		retry.Attempts(uint(policy.MaximumAttempts)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return policy.Delay(int(n) + 1)
		}),
		retry.RetryIf(policy.Retryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("temporal not reachable, retrying",
				zap.String("host_port", config.HostPort),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.Wrapf(TranslateError(err), "failed to dial temporal at %s", config.HostPort)
	}
	return c, nil
}
