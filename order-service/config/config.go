package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/trellis/order-saga/order-service/application"
	"github.com/trellis/order-saga/shared/faults"
	sharedinfra "github.com/trellis/order-saga/shared/infrastructure"
	"github.com/trellis/order-saga/shared/logger"
	"github.com/trellis/order-saga/shared/saga"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	ServiceName string                 `mapstructure:"service_name"`
	Env         string                 `mapstructure:"env"`
	Port        string                 `mapstructure:"port"`
	Database    Database               `mapstructure:"database"`
	AWS         sharedinfra.AWSConfig  `mapstructure:"aws"`
	Telemetry   Telemetry              `mapstructure:"telemetry"`
	Log         logger.Config          `mapstructure:"log"`
	Temporal    saga.ClientConfig      `mapstructure:"temporal"`
	Saga        application.SagaConfig `mapstructure:"saga"`
	Faults      faults.Config          `mapstructure:"faults"`
}

type Database struct {
	Driver      string `mapstructure:"driver"`
	URL         string `mapstructure:"url"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	SSLMode     string `mapstructure:"ssl_mode"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	v := viper.New()
	v.SetConfigName(getConfigName())
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Dir(filename))

	// Allow environment variables to override config, ORDER_SAGA_WORKER_CONCURRENCY etc.
	v.SetEnvPrefix("ORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultsFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Temporal.HostPort == "" {
		return errors.New("temporal.host_port is required")
	}
	if c.Saga.StartToCloseTimeout <= 0 {
		return errors.New("saga.start_to_close_timeout must be positive")
	}
	if c.Saga.OrderMaxAttempts < 0 || c.Saga.ShippingMaxAttempts < 0 {
		return errors.New("saga max attempts cannot be negative")
	}
	if c.Saga.WorkerConcurrency < 1 {
		return errors.New("saga.worker_concurrency must be at least 1")
	}
	return errors.Wrap(c.Faults.Validate(), "invalid faults config")
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaultsFromEnv(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service_name", "order-service")
	v.SetDefault("env", getEnv("ENV", "local"))
	v.SetDefault("port", getEnv("PORT", "8080"))

	// Database defaults
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.url", os.Getenv("DATABASE_URL"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "orders")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.auto_migrate", true)

	// AWS defaults, disabled unless a queue or topic is wanted
	v.SetDefault("aws.enabled", false)
	v.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", "test"))
	v.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", "test"))
	v.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	v.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", "http://localhost:4566"))
	v.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", "http://localhost:4566"))
	v.SetDefault("aws.sns_topic_arn", getEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:order-events"))
	v.SetDefault("aws.sqs_queue_url", getEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/order-commands"))

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"))

	v.SetDefault("log.level", getEnv("LOG_LEVEL", "info"))
	v.SetDefault("log.development", false)

	temporal := saga.DefaultClientConfig()
	v.SetDefault("temporal.host_port", getEnv("TEMPORAL_ADDRESS", temporal.HostPort))
	v.SetDefault("temporal.namespace", getEnv("TEMPORAL_NAMESPACE", temporal.Namespace))
	v.SetDefault("temporal.lazy", false)
	v.SetDefault("temporal.dial_attempts", temporal.DialAttempts)
	v.SetDefault("temporal.dial_interval", temporal.DialInterval)

	sagaConfig := application.DefaultSagaConfig()
	v.SetDefault("saga.order_max_attempts", sagaConfig.OrderMaxAttempts)
	v.SetDefault("saga.shipping_max_attempts", sagaConfig.ShippingMaxAttempts)
	v.SetDefault("saga.start_to_close_timeout", sagaConfig.StartToCloseTimeout)
	v.SetDefault("saga.worker_concurrency", sagaConfig.WorkerConcurrency)

	v.SetDefault("faults.fail_probability", 0.0)
	v.SetDefault("faults.stall_probability", 0.0)
	v.SetDefault("faults.stall_duration", faults.DefaultStallDuration)
	v.SetDefault("faults.seed", 0)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
