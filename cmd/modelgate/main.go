// Package main is the entry point for the modelgate gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/howard-nolan/modelgate/internal/config"
	"github.com/howard-nolan/modelgate/internal/metrics"
	"github.com/howard-nolan/modelgate/internal/poll"
	"github.com/howard-nolan/modelgate/internal/provider"
	"github.com/howard-nolan/modelgate/internal/registry"
	"github.com/howard-nolan/modelgate/internal/server"
)

// shutdownGrace is how long in-flight requests (including open streams)
// get to finish after SIGINT/SIGTERM.
const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("modelgate stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// One handle per configured provider. Handles share the credential
	// lookup, which re-reads ${VAR} references on every call.
	reg, err := registry.Build(cfg.Providers, provider.Deps{
		Credentials: config.Credentials(cfg),
		Polling: poll.Options{
			Interval:    cfg.Polling.Interval,
			Timeout:     cfg.Polling.Timeout,
			MaxAttempts: cfg.Polling.MaxAttempts,
		},
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}
	reg = reg.WithLogger(logger.Named("registry")).WithMetrics(m)

	for _, id := range reg.Providers() {
		h, _ := reg.Lookup(id)
		logger.Info("registered provider",
			zap.String("provider", id),
			zap.Stringers("capabilities", h.Capabilities().List()),
		)
	}

	srv := server.New(reg, server.Options{Logger: logger.Named("server"), Gatherer: promReg})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("modelgate listening", zap.Int("port", cfg.Server.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newLogger builds the application logger: JSON in production, console
// output with stack traces on warnings in development.
func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
