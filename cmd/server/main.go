package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fulfillment-sync/config"
	"fulfillment-sync/internal/api"
	"fulfillment-sync/internal/app"
	"fulfillment-sync/internal/broker"
	"fulfillment-sync/internal/util"
	"fulfillment-sync/internal/worker"

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
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger.Info("Starting fulfillment sync", zap.String("port", cfg.Server.Port))

	shutdownTracer, err := util.InitTracer(util.TracingConfig{
		Endpoint:    cfg.Observ.JaegerEndpoint,
		Environment: cfg.Server.Env,
		SampleRatio: cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("Error closing dependencies", zap.Error(err))
		}
	}()

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		engine.Reconciler.Run(workerCtx)
	}()

	var intake *worker.PaymentIntakeWorker
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
		intake = worker.NewPaymentIntakeWorker(consumer, engine.Sync, engine.Cache, cfg.Sync.DedupTTL)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := intake.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Payment intake worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(engine.Sync, engine.Providers, map[string]api.Pinger{
		"store": engine.Store,
		"cache": engine.Cache,
	}, api.Options{
		WebhookConcurrency: cfg.Server.WebhookConcurrency,
		ApplyTimeout:       cfg.Server.WebhookApplyTimeout,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	background.Wait()
	if intake != nil {
		if err := intake.Stop(); err != nil {
			logger.Warn("Error stopping intake worker", zap.Error(err))
		}
	}

	// applies past their deadline still hold the store
	if err := handler.Drain(shutdownCtx); err != nil {
		logger.Warn("Webhook applies still running at shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
