// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ticketflowd is the daemon: it serves the webhook ingress (C1),
// drives the queue and node-graph executor (C2/C3), polls the human
// validation inbox (C4), and sweeps stale leases and purges old
// WebhookEvent and audit rows (on postgres only on the elected leader
// replica; on sqlite always, without an election).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ticketflow/ticketflow/internal/config"
	"github.com/ticketflow/ticketflow/internal/engine"
	"github.com/ticketflow/ticketflow/internal/leader"
	tflog "github.com/ticketflow/ticketflow/internal/log"
	"github.com/ticketflow/ticketflow/internal/queue"
	"github.com/ticketflow/ticketflow/internal/ratelimit"
	"github.com/ticketflow/ticketflow/internal/store"
	"github.com/ticketflow/ticketflow/internal/store/postgres"
	"github.com/ticketflow/ticketflow/internal/store/sqlite"
	"github.com/ticketflow/ticketflow/internal/telemetry"
	"github.com/ticketflow/ticketflow/internal/validation"
	"github.com/ticketflow/ticketflow/internal/webhook"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		httpAddr     = flag.String("http-addr", "", "HTTP listen address, overrides HTTP_ADDR")
		storeBackend = flag.String("store-backend", "", "Store backend (postgres, sqlite), overrides STORE_BACKEND")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ticketflowd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := tflog.New(tflog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *storeBackend != "" {
		cfg.StoreBackend = *storeBackend
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "ticketflowd",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to set up tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	s, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	limiter := ratelimit.New(5, 10)
	q := queue.New(s, logger)

	graph, err := engine.BuildGraph(map[engine.NodeName]engine.NodeHandler{
		engine.NodePrepareEnvironment: engine.PrepareEnvironment,
		engine.NodeImplementTask:      engine.ImplementTask,
		engine.NodeRunTests:           engine.RunTests,
		engine.NodeDebugCode:          engine.DebugCode,
		engine.NodeHumanValidation:    engine.HumanValidation,
		engine.NodeFinalizePR:         engine.FinalizePR,
		engine.NodeUpdateTracker:      engine.UpdateTracker,
	})
	if err != nil {
		logger.Error("failed to build node graph", slog.Any("error", err))
		os.Exit(1)
	}

	executor := engine.New(graph, q, s, buildCollaborators(), limiter, logger, engine.Config{
		MaxParallel:        cfg.MaxConcurrentWorkers,
		WorkerID:           cfg.InstanceID,
		DebugMaxIterations: cfg.DebugMaxIterations,
	})

	trackerClient := unconfiguredCollaborators{what: "TrackerClient"}
	notifier := unconfiguredCollaborators{what: "Notifier"}
	intentClassifier, err := validation.NewClassifier(nil)
	if err != nil {
		logger.Error("failed to build intent classifier", slog.Any("error", err))
		os.Exit(1)
	}
	inbox := validation.New(s, trackerClient, notifier, executor, intentClassifier, logger, validation.Config{})

	webhookClassifier := webhook.NewClassifier(s, q, trackerClient, cfg.AgentHandle, logger)
	router := webhook.New(webhook.Config{
		WebhookSecret: cfg.WebhookSecret,
		SecretKey:     cfg.SecretKey,
	}, s, q, webhookClassifier, executor, logger)
	router.SetCanceller(inbox)
	router.SetLogTailer(executor)

	mux := http.NewServeMux()
	router.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	sweeper := newMaintenanceSweeper(s, q, cfg.MaintenanceInterval, cfg.WebhookRetention, cfg.AuditRetention, logger)

	var elector *leader.Elector
	if cfg.StoreBackend == "postgres" {
		pg := s.(*postgres.Backend)
		elector = leader.NewElector(leader.Config{
			DB:         pg.DB(),
			InstanceID: cfg.InstanceID,
			Logger:     logger,
		})
		elector.OnLeadershipChange(func(isLeader bool) {
			if isLeader {
				sweeper.Start(ctx)
			} else {
				sweeper.Stop()
			}
		})
		elector.Start(ctx)
	} else {
		// A single-instance sqlite deployment has no leader election to
		// coordinate with: it is always the only replica.
		sweeper.Start(ctx)
	}

	go executor.Run(ctx)
	go inbox.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server error", slog.Any("error", err))
	}

	executor.StartDraining()
	sweeper.Stop()
	if elector != nil {
		elector.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := executor.WaitForDrain(shutdownCtx, 25*time.Second); err != nil {
		logger.Warn("executor did not drain cleanly", slog.Any("error", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", slog.Any("error", err))
	}
	cancel()
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "sqlite":
		b, err := sqlite.New(sqlite.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		b, err := postgres.New(postgres.Config{ConnectionString: cfg.DatabaseURL})
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}
}
