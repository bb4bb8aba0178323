package config

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/trellis/order-saga/order-service/application"
	"github.com/trellis/order-saga/order-service/domain"
	"github.com/trellis/order-saga/order-service/handlers"
	"github.com/trellis/order-saga/order-service/infrastructure"
	"github.com/trellis/order-saga/shared/events"
	"github.com/trellis/order-saga/shared/faults"
	sharedinfra "github.com/trellis/order-saga/shared/infrastructure"
	"github.com/trellis/order-saga/shared/logger"
	"github.com/trellis/order-saga/shared/saga"
	"github.com/trellis/order-saga/shared/telemetry"
)

// CommandTopics is the pattern the command queue subscription is filtered by
const CommandTopics = "order.#"

type eventPublisher interface {
	events.Publisher
	Close() error
}

type Dependencies struct {
	Logger *zap.Logger

	// Database, nil when running on the memory store
	DB *sqlx.DB

	// Store
	OrderStore domain.OrderStore

	// Temporal client and the ORDER_QUEUE / SHIPPING_QUEUE workers
	Temporal          client.Client
	Workflows         *application.Workflows
	Workers           []worker.Worker
	LifecycleNotifier *application.LifecycleNotifier

	// Use Cases
	StartOrder      *application.StartOrder
	CancelOrder     *application.CancelOrder
	GetOrderStatus  *application.GetOrderStatus
	ListOrderEvents *application.ListOrderEvents

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Event Handlers
	OrderCommandHandlers *handlers.OrderCommandHandlers
	EventRouter          *events.Router

	// Infrastructure
	EventPublisher  eventPublisher
	EventSubscriber *sharedinfra.SQSSubscriberAdapter

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (_ *Dependencies, err error) {
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	log, err := logger.New(config.ServiceName, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	deps.Logger = log

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.OrderServiceConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			log.Warn("failed to initialize telemetry", zap.Error(err))
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	// Initialize store
	switch config.Database.Driver {
	case DriverPostgres:
		db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		deps.DB = db

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if config.Database.AutoMigrate {
			if err := infrastructure.EnsureSchema(ctx, db); err != nil {
				return nil, err
			}
		}
		deps.OrderStore = infrastructure.NewPostgresOrderStore(db)
	default:
		log.Warn("using in-memory order store, state is lost on restart")
		deps.OrderStore = infrastructure.NewMemoryOrderStore()
	}

	// Fault injection for the activity bodies
	var injector faults.Injector = faults.NopInjector{}
	if config.Faults.Enabled() {
		random, err := faults.NewRandomInjector(config.Faults)
		if err != nil {
			return nil, fmt.Errorf("failed to create fault injector: %w", err)
		}
		log.Warn("fault injection enabled",
			zap.Float64("fail_probability", config.Faults.FailProbability),
			zap.Float64("stall_probability", config.Faults.StallProbability),
		)
		injector = random
	}

	// Initialize AWS infrastructure
	if config.AWS.Enabled {
		publisher, err := sharedinfra.NewSNSPublisherAdapter(ctx, config.AWS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
		}
		deps.EventPublisher = publisher

		subscriber, err := sharedinfra.NewSQSSubscriberAdapter(ctx, config.AWS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
		}
		deps.EventSubscriber = subscriber
	} else {
		deps.EventPublisher = sharedinfra.NewLogPublisher(log)
	}

	// Temporal client and workers
	deps.Temporal, err = saga.Dial(ctx, config.Temporal, log)
	if err != nil {
		return nil, err
	}
	deps.LifecycleNotifier = application.NewLifecycleNotifier(deps.EventPublisher, log)
	deps.Workflows = application.NewWorkflows(
		application.NewActivities(deps.OrderStore, injector, log),
		deps.LifecycleNotifier,
		config.Saga,
	)
	var interceptors []interceptor.WorkerInterceptor
	if deps.Telemetry != nil {
		interceptors = append(interceptors, saga.NewTelemetryInterceptor(deps.Telemetry))
	}
	deps.Workers = deps.Workflows.NewWorkers(deps.Temporal, interceptors...)

	// Initialize use cases
	deps.StartOrder = application.NewStartOrder(deps.Temporal, log)
	deps.CancelOrder = application.NewCancelOrder(deps.Temporal, deps.LifecycleNotifier, log)
	deps.GetOrderStatus = application.NewGetOrderStatus(deps.OrderStore, deps.Temporal)
	deps.ListOrderEvents = application.NewListOrderEvents(deps.OrderStore)

	// Initialize handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(
		deps.StartOrder,
		deps.CancelOrder,
		deps.GetOrderStatus,
		deps.ListOrderEvents,
		log,
	)
	deps.OrderCommandHandlers = handlers.NewOrderCommandHandlers(deps.StartOrder, deps.CancelOrder, log)
	deps.EventRouter = events.NewRouter(log)
	deps.OrderCommandHandlers.Register(deps.EventRouter)

	return deps, nil
}

// Close closes all dependencies. Workers must already be stopped so no
// activity is still writing to the database.
func (d *Dependencies) Close() error {
	var errs []error

	if d.Temporal != nil {
		d.Temporal.Close()
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
