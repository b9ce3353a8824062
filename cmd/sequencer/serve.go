package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/hitl"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return serve(configPath)
		},
	}
}

func serve(configPath string) error {
	// Step 1: Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sequencer", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Load definitions, validate, build registry.
	registry, err := loadDefinitions(cfg.Definitions.Directories, logger)
	if err != nil {
		logger.Error("definitions rejected", zap.Error(err))
		return err
	}
	metrics.SetDefinitionsLoaded(registry.Len())

	// Step 4: Build the execution engine.
	eng, err := buildEngine(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return err
	}
	defer eng.close()

	idem, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return err
	}
	defer idemCloser()

	svc := orchestrator.NewService(eng.orchestrator, registry, eng.store, idem, orchestrator.ServiceConfig{
		DryRun:          cfg.Orchestrator.DryRun,
		StoreFullOutput: cfg.Skills.StoreFullOutput,
		IdempotencyTTL:  cfg.Idempotency.DefaultTTL,
	}, logger)

	// Step 5: Build HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Store:             eng.store,
	}
	if eng.bus != nil {
		readiness.DecisionBus = eng.bus
	}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}

	deps := transport.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Executions: svc,
		Approvals:  eng.gate,
		Readiness:  readiness,
	}
	if cfg.HITL.Slack.Enabled && cfg.HITL.Slack.SigningSecretEnv != "" {
		deps.SlackSigningSecret = os.Getenv(cfg.HITL.Slack.SigningSecretEnv)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      transport.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go func() {
		if err := eng.gate.Run(bgCtx); err != nil {
			logger.Error("decision bus subscription failed", zap.Error(err))
		}
	}()
	go runTimeoutSweeper(bgCtx, eng.gate, cfg.HITL.SweepInterval, logger)
	if eng.telegram != nil {
		go eng.telegram.Start(bgCtx)
	}
	if eng.discord != nil {
		if err := eng.discord.Open(); err != nil {
			logger.Error("discord gateway connection failed", zap.Error(err))
			return err
		}
		defer eng.discord.Close()
	}

	// Step 7: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let background runs record their final state.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("background runs did not finish", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// runTimeoutSweeper periodically expires approval requests nobody answered.
func runTimeoutSweeper(ctx context.Context, gate *hitl.Gate, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := gate.ProcessTimeouts(ctx)
			if err != nil {
				logger.Error("approval timeout processing failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("approval requests expired", zap.Int("count", n))
			}
		}
	}
}
