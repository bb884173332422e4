package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/app"
	"order-fulfillment/internal/authz"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order fulfillment API")

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("order-fulfillment-api", cfg.Observ.JaegerEndpoint)
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

	application, err := app.New(ctx, cfg, logger, cfg.Worker.InProcess)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer application.Close()

	if application.Relay != nil {
		go func() {
			if err := application.Relay.Run(ctx); err != nil {
				logger.Error("Notification relay stopped", zap.Error(err))
			}
		}()
	}

	var fulfillmentWorker *worker.FulfillmentWorker
	if cfg.Worker.InProcess {
		fulfillmentWorker = worker.NewFulfillmentWorker(application.Processor.HandleJob, application.Sources...)
		fulfillmentWorker.Start(ctx)
	} else if cfg.Worker.QueueDriver == config.DriverMemory {
		logger.Warn("WORKER_IN_PROCESS=false with the memory queue: jobs will never be processed")
	}

	enforcer, err := authz.NewEnforcer()
	if err != nil {
		logger.Fatal("Failed to initialize authorization", zap.Error(err))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(application.Orders, application.Hub, enforcer)
	for name, check := range application.Checks {
		handler.AddReadinessCheck(name, check)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}
	// event streams never end on their own
	srv.RegisterOnShutdown(application.Hub.CloseAll)

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if fulfillmentWorker != nil {
		if err := fulfillmentWorker.Stop(); err != nil {
			logger.Error("Error stopping fulfillment worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
