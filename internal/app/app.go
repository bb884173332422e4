// Package app wires the configured adapters into the order services. Both
// binaries build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"

	"order-fulfillment/config"
	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/cache"
	"order-fulfillment/internal/notify"
	"order-fulfillment/internal/ports"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/service"
	"order-fulfillment/internal/store"

	"go.uber.org/zap"
)

// App holds the wired components of one process
type App struct {
	Config *config.Config

	Store     ports.OrderStore
	Redis     *redisclient.Client
	Hub       *notify.Hub
	Relay     *notify.RedisRelay
	Orders    *service.OrderService
	Processor *service.FulfillmentProcessor

	// Sources feed the fulfillment worker, one per consumer
	Sources []ports.JobSource

	Checks map[string]func(ctx context.Context) error

	logger  *zap.Logger
	closers []func() error
}

// New connects every configured dependency. withSources controls whether
// fulfillment consumers are created in this process.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, withSources bool) (*App, error) {
	a := &App{
		Config: cfg,
		Checks: make(map[string]func(ctx context.Context) error),
		logger: logger,
	}

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	kv, locker, err := a.initCache()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = notify.NewHub(0, logger)
	var notifier ports.Notifier = a.Hub
	if a.Redis != nil {
		a.Relay = notify.NewRedisRelay(a.Redis, cfg.Redis.NotifyChannel, a.Hub, logger)
		notifier = a.Relay
	}

	queue, err := a.initQueue(withSources)
	if err != nil {
		a.Close()
		return nil, err
	}

	orderCache := cache.NewOrderCache(kv, cfg.Cache.TTL, logger)
	a.Orders = service.NewOrderService(a.Store, orderCache, queue, notifier, locker, service.Options{
		AdminStatusOverride: cfg.Orders.AdminStatusOverride,
		DefaultPageSize:     cfg.Orders.DefaultPageSize,
		MaxPageSize:         cfg.Orders.MaxPageSize,
	})
	a.Processor = service.NewFulfillmentProcessor(a.Orders, cfg.Worker.ProcessingDelay)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config.Database
	switch cfg.Driver {
	case config.DriverMemory:
		mem := store.NewMemoryStore()
		if cfg.Seed {
			n, _ := mem.SeedProducts(ctx)
			a.logger.Info("Seeded in-memory catalog", zap.Int("products", n))
		}
		a.Store = mem
		a.logger.Warn("Using in-memory store; data is lost on exit")
		return nil

	case config.DriverPostgres:
		db, err := store.NewStore(cfg.URL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.Checks["database"] = db.Ping
		a.logger.Info("Database connected")

		if cfg.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return err
			}
		}
		if cfg.Seed {
			n, err := db.SeedProducts(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				a.logger.Info("Seeded product catalog", zap.Int("products", n))
			}
		}
		a.Store = db
		return nil
	}
	return fmt.Errorf("unknown DATABASE_DRIVER %q", cfg.Driver)
}

func (a *App) initCache() (ports.KV, ports.Locker, error) {
	cfg := a.Config
	switch cfg.Cache.Driver {
	case config.DriverMemory:
		mem := cache.NewMemory()
		return mem, mem, nil

	case config.DriverRedis:
		client, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, client.Close)
		a.Checks["redis"] = client.Ping
		a.logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
		return client, client, nil
	}
	return nil, nil, fmt.Errorf("unknown CACHE_DRIVER %q", cfg.Cache.Driver)
}

func (a *App) initQueue(withSources bool) (ports.JobQueue, error) {
	cfg := a.Config
	policy := broker.RetryPolicy{
		MaxAttempts:     cfg.Worker.MaxAttempts,
		InitialInterval: cfg.Worker.InitialBackoff,
		MaxInterval:     cfg.Worker.MaxBackoff,
	}

	switch cfg.Worker.QueueDriver {
	case config.DriverMemory:
		q := broker.NewMemoryQueue(0, policy)
		a.closers = append(a.closers, q.Close)
		if withSources {
			for i := 0; i < cfg.Worker.Concurrency; i++ {
				a.Sources = append(a.Sources, q)
			}
		}
		return q, nil

	case config.DriverKafka:
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment)
		a.closers = append(a.closers, producer.Close)
		a.logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicFulfillment))

		if withSources {
			dlq := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment+broker.DeadLetterSuffix)
			a.closers = append(a.closers, dlq.Close)
			for i := 0; i < cfg.Worker.Concurrency; i++ {
				consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment, cfg.Kafka.ConsumerGroup)
				a.Sources = append(a.Sources, broker.NewJobConsumer(consumer, dlq, policy))
			}
		}
		return broker.NewFulfillmentQueue(producer), nil
	}
	return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.Worker.QueueDriver)
}

// Close releases connections in reverse order of creation. Job sources are
// closed by the worker that runs them.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
