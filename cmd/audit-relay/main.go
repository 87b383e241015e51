// Package main provides the outbox relay. It publishes committed prescription
// and audit events to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/internal/logging"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/internal/observability/tracing"
)

const serviceName = "audit-relay"

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

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	brokers := cfg.Brokers()
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, cfg.KafkaReplication); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, logger)
	relay.Start()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	stopStats := watchBacklog(relay, m, logger)

	server := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler(reg)}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopStats()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

// watchBacklog exports the pending outbox depth until the returned func is called
func watchBacklog(relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := relay.Stats(ctx)
				if err != nil {
					logger.Warn("outbox stats unavailable", zap.Error(err))
					continue
				}
				m.OutboxPending.Set(float64(stats.Pending))
				if stats.OldestPending > time.Minute {
					logger.Warn("outbox backlog is stale",
						zap.Int64("pending", stats.Pending),
						zap.Int64("retrying", stats.Retrying),
						zap.Duration("oldest", stats.OldestPending))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
