// Stepd is the step orchestration daemon.
//
// It accepts protocol runs over HTTP, schedules their steps through a
// JetStream work queue, drives coding-agent engines through the
// execute/QA/feedback loop, and records every transition in the store.
//
// Usage:
//
//	# Start with defaults (sqlite store, local NATS)
//	stepd
//
//	# Configure via file and environment
//	stepd -config /etc/stepd/config.yaml
//	STEPD_SERVER_PORT=9090 STEPD_STORE_DRIVER=memory stepd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepd/internal/artifacts"
	"github.com/fyrsmithlabs/stepd/internal/config"
	"github.com/fyrsmithlabs/stepd/internal/engine"
	stepdhttp "github.com/fyrsmithlabs/stepd/internal/http"
	"github.com/fyrsmithlabs/stepd/internal/logging"
	"github.com/fyrsmithlabs/stepd/internal/orchestrator"
	"github.com/fyrsmithlabs/stepd/internal/queue"
	"github.com/fyrsmithlabs/stepd/internal/store"
	"github.com/fyrsmithlabs/stepd/internal/telemetry"
	"github.com/fyrsmithlabs/stepd/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stepd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("stepd: %v", err)
	}
}

// run wires the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // best-effort on shutdown
	}()

	logger.Info(ctx, "starting stepd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("store_driver", cfg.Store.Driver))

	shutdownMetrics, err := telemetry.Setup(cfg.Telemetry.ServiceName, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	orch, err := orchestrator.New(orchestrator.Options{
		Store:     deps.store,
		Registry:  deps.registry,
		Queue:     deps.queue,
		Artifacts: deps.artifacts,
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := stepdhttp.NewServer(orch, deps.store, deps.registry, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	pool := worker.New(orch, deps.queue, cfg.Worker.Concurrency, cfg.Worker.StepTimeout, logger)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// Runs interrupted by a previous crash resume scheduling here.
	if err := orch.RecoverStuckRuns(ctx); err != nil {
		logger.Warn(ctx, "stuck run recovery failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info(ctx, "stepd ready",
		zap.String("api", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics", "/metrics"),
		zap.Int("workers", cfg.Worker.Concurrency))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down",
		zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	return nil
}

// dependencies holds the daemon's infrastructure.
type dependencies struct {
	natsConn  *nats.Conn
	queue     queue.Queue
	store     store.Store
	registry  *engine.Registry
	artifacts *artifacts.Writer
	logger    *logging.Logger
}

// Close releases infrastructure resources in reverse startup order.
func (d *dependencies) Close() {
	ctx := context.Background()
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Warn(ctx, "queue close failed", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(ctx, "store close failed", zap.Error(err))
		}
	}
}

// initDependencies connects the store, queue, artifact writer, and
// engine registry.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	switch cfg.Store.Driver {
	case "memory":
		deps.store = store.NewMemory()
	default:
		st, err := store.NewSQLite(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
		}
		deps.store = st
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	deps.natsConn = nc
	logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))

	q, err := queue.NewJetStream(nc, cfg.NATS, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}
	deps.queue = q

	writer, err := artifacts.NewWriter(cfg.Artifacts.Root)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to initialize artifact writer: %w", err)
	}
	deps.artifacts = writer

	registry, err := engine.Bootstrap(ctx, cfg.Engines, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to bootstrap engines: %w", err)
	}
	deps.registry = registry

	if cfg.Engines.WatchManifest && cfg.Engines.ManifestPath != "" {
		if err := engine.WatchManifest(ctx, cfg.Engines, registry, logger); err != nil {
			logger.Warn(ctx, "manifest watch failed to start", zap.Error(err))
		}
	}

	return deps, nil
}
