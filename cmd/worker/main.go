package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/app"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/worker"

	"go.uber.org/zap"
)

// Standalone fulfillment worker. Needs the shared backends: Postgres, Kafka
// and Redis for cross-process notifications.
func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment worker")

	if cfg.Database.Driver == config.DriverMemory || cfg.Worker.QueueDriver == config.DriverMemory {
		logger.Fatal("The standalone worker needs DATABASE_DRIVER=postgres and QUEUE_DRIVER=kafka")
	}
	if cfg.Cache.Driver == config.DriverMemory {
		logger.Warn("CACHE_DRIVER=memory: API caches and subscribers will not see this worker's changes")
	}

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("order-fulfillment-worker", cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer application.Close()

	fulfillmentWorker := worker.NewFulfillmentWorker(application.Processor.HandleJob, application.Sources...)
	fulfillmentWorker.Start(ctx)

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	if err := fulfillmentWorker.Stop(); err != nil {
		logger.Error("Error stopping fulfillment worker", zap.Error(err))
	}
	logger.Info("Worker exited")
}
