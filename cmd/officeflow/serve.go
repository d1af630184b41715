package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/transport"
	"github.com/pitabwire/officeflow/internal/workflow"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic recovery supervisor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(v)
		},
	}
	cmd.Flags().Int("port", 0, "override server.port")
	return cmd
}

func serve(v *viper.Viper) error {
	// Step 1: Load configuration.
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if port := v.GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "officeflow", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Wire stores, registry, directory and engine.
	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer a.Close()

	// Step 4: Build HTTP router.
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       a.engine,
		Registry:     a.registry,
		Policy:       a.policy,
		Idempotency:  a.idempotency,
		Metrics:      metrics,
		Readiness:    a.readiness,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 5: Start background recovery.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Workflow.RecoverOnStart {
		runRecovery(bgCtx, a.engine, logger)
	}
	go runRecoveryLoop(bgCtx, a.engine, cfg.Workflow.RecoveryInterval, logger)

	// Step 6: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", len(a.registry.List())),
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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// runRecoveryLoop runs a recovery pass every interval until ctx ends.
func runRecoveryLoop(ctx context.Context, engine *workflow.Engine, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		logger.Info("periodic recovery disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runRecovery(ctx, engine, logger)
		}
	}
}

func runRecovery(ctx context.Context, engine *workflow.Engine, logger *zap.Logger) {
	report, err := engine.Recover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("recovery pass failed", zap.Error(err))
		}
		return
	}
	if report.Repaired > 0 || report.Unrecovered > 0 {
		logger.Info("recovery pass finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("repaired", report.Repaired),
			zap.Int("unrecovered", report.Unrecovered),
		)
	}
}
