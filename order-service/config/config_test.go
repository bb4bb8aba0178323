package config

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig_Local(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ORDER_SAGA_WORKER_CONCURRENCY", "7")
	t.Setenv("TEMPORAL_ADDRESS", "")
	t.Setenv("ORDER_TEMPORAL_NAMESPACE", "orders")

	cfg, err := ReadConfig()
	require.NoError(t, err)

	assert.Equal(t, "order-service", cfg.ServiceName)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Saga.OrderMaxAttempts)
	assert.Equal(t, 0, cfg.Saga.ShippingMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Saga.StartToCloseTimeout)
	assert.Equal(t, 7, cfg.Saga.WorkerConcurrency)
	assert.False(t, cfg.Faults.Enabled())
	assert.False(t, cfg.AWS.Enabled)
	assert.Equal(t, "localhost:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "orders", cfg.Temporal.Namespace)
	assert.Equal(t, 5, cfg.Temporal.DialAttempts)
	assert.Equal(t, time.Second, cfg.Temporal.DialInterval)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{name: "unknown driver", key: "database.driver", val: "mysql"},
		{name: "zero timeout", key: "saga.start_to_close_timeout", val: "0s"},
		{name: "negative attempts", key: "saga.order_max_attempts", val: -1},
		{name: "no workers", key: "saga.worker_concurrency", val: 0},
		{name: "fault probabilities", key: "faults.fail_probability", val: 1.5},
		{name: "no temporal address", key: "temporal.host_port", val: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaultsFromEnv(v)
			v.Set(tt.key, tt.val)

			_, err := decode(v)
			assert.Error(t, err)
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	cfg := &Config{Database: Database{
		Host: "db", Port: 5432, User: "u", Password: "p", Database: "orders", SSLMode: "disable",
	}}
	assert.Equal(t, "postgres://u:p@db:5432/orders?sslmode=disable", cfg.GetDatabaseURL())

	cfg.Database.URL = "postgres://elsewhere/orders"
	assert.Equal(t, "postgres://elsewhere/orders", cfg.GetDatabaseURL())
}

func TestBuildDependencies_Memory(t *testing.T) {
	v := viper.New()
	setDefaultsFromEnv(v)
	v.Set("temporal.lazy", true)
	cfg, err := decode(v)
	require.NoError(t, err)

	deps, err := BuildDependencies(context.Background(), cfg)
	require.NoError(t, err)

	assert.Nil(t, deps.DB)
	assert.Nil(t, deps.EventSubscriber)
	assert.Len(t, deps.Workers, 2)
	assert.NotNil(t, deps.Temporal)
	assert.NotNil(t, deps.OrderHandlers)

	assert.NoError(t, deps.Close())
}
