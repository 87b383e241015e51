// Package main provides the prescription API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxguard/internal/app"
	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/logging"
	"github.com/drfirst/go-rxguard/internal/observability/tracing"
)

const (
	serviceName = "prescription-api"
	version     = tracing.Version
)

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("prescription API exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, tracing.ServiceConfig(serviceName, cfg.Env, cfg.OTLPEndpoint, cfg.TracingEnabled))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	applied, err := postgres.Migrate(ctx, a.Pool, logger)
	if err != nil {
		return err
	}
	logger.Info("connected to database", zap.Int("migrations_applied", applied))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(routesFor(a), logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting prescription API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
