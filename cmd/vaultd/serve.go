package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maverick-software/agentopia-vault/internal/adapters/driving/http"
	"github.com/maverick-software/agentopia-vault/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), true, false)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the rotation and audit jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), false, true)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the HTTP API and the background jobs in one process",
	RunE:  runAll,
}

func runAll(cmd *cobra.Command, _ []string) error {
	return run(cmd.Context(), true, true)
}

// run starts the API and/or the worker and blocks until a shutdown signal.
func run(parent context.Context, api, jobs bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	logger.Info("vaultd starting", "version", version, "api", api, "worker", jobs, "redis", cfg.UseRedis())

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	if jobs {
		w := worker.NewWorker(worker.WorkerConfig{Lock: a.lock, Logger: logger})
		if err := w.Register(worker.RotationJob(cfg.RotationSchedule, a.rotation, logger)); err != nil {
			return err
		}
		if err := w.Register(worker.AuditJob(cfg.AuditSchedule, a.auditor)); err != nil {
			return err
		}
		if err := w.Start(gctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	if api {
		httpConfig := http.DefaultConfig()
		httpConfig.Host = cfg.Host
		httpConfig.Port = cfg.Port
		httpConfig.Version = version
		httpConfig.ExecutorKeyHash = cfg.ExecutorKeyHash
		httpConfig.CORSOrigins = cfg.CORSOrigins
		httpConfig.Gatherer = a.registry
		httpConfig.Logger = logger

		var redisCheck http.Pinger
		if a.redisClient != nil {
			redisCheck = redisPinger{client: a.redisClient}
		}
		if cfg.ExecutorKeyHash == "" {
			logger.Warn("EXECUTOR_KEY_HASH not set, credential resolution is disabled")
		}

		server := http.NewServer(httpConfig, http.Services{
			Providers:   a.providers,
			Connections: a.connections,
			Permissions: a.permissions,
			Agents:      a.agents,
			Rotation:    a.rotation,
			Auditor:     a.auditor,
		}, a.auth, a.db, redisCheck)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	err = g.Wait()
	logger.Info("vaultd stopped")
	return err
}
