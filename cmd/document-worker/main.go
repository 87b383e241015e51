// Package main provides the document worker. It regenerates prescription
// documents whose rendering failed on the request path.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/app"
	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/internal/logging"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/internal/observability/tracing"
	"github.com/drfirst/go-rxguard/internal/repair"
	"github.com/drfirst/go-rxguard/pkg/idempotency"
)

const serviceName = "document-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.ServiceConfig(serviceName, cfg.Env, cfg.OTLPEndpoint, cfg.TracingEnabled))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	inbox := idempotency.NewInbox(a.Pool, idempotency.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	rcfg := repair.DefaultConfig()
	rcfg.Pool.Workers = cfg.RepairWorkers
	rcfg.SweepInterval = cfg.RepairInterval
	rcfg.Grace = cfg.RepairGrace

	worker, err := repair.New(rcfg, a.Workflow, a.Prescriptions, inbox, logger)
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = serviceName
	consumerCfg.Topics = []string{redpanda.TopicPrescriptionEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, worker.HandleMessage, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	server := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler(a.Registry)}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("document worker started",
		zap.Int("workers", cfg.RepairWorkers),
		zap.Duration("sweep_interval", cfg.RepairInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	if err := worker.Stop(); err != nil {
		logger.Warn("worker stop", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	stats := worker.Stats()
	consumed := consumer.Stats()
	logger.Info("document worker stopped",
		zap.Int64("events_handled", consumed.Handled),
		zap.Int64("events_skipped", consumed.Skipped),
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed))
}
