package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/cooldown"
	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/mpesa"
	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
	"github.com/cbo-portal/golang_services/internal/payment_service/repository/postgres"
	"github.com/cbo-portal/golang_services/internal/payment_service/worker"
	"github.com/cbo-portal/golang_services/internal/platform/config"
	"github.com/cbo-portal/golang_services/internal/platform/database"
	"github.com/cbo-portal/golang_services/internal/platform/logger"
	"github.com/cbo-portal/golang_services/internal/platform/messagebroker"
)

const (
	serviceName     = "reconciliation-service"
	auditQueue      = "reconciliation-audit"
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Reconciliation service starting...",
		"cleanup_interval", cfg.CleanupInterval,
		"stale_pending_age", cfg.StalePendingAge,
		"metrics_port", cfg.ReconcilerMetricsPort,
	)

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, appLogger, serviceName)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	redisClient := cooldown.NewRedisClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer redisClient.Close()

	mpesaClient := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		TillNumber:     cfg.MpesaTillNumber,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
	}, nil, appLogger)

	reconcileSvc := app.NewReconciliationService(
		postgres.NewPgTransactionRepository(dbPool, appLogger),
		postgres.NewPgDependentRecordRepository(dbPool, appLogger),
		mpesaClient,
		cooldown.NewRedisStore(redisClient, appLogger),
		app.ReconciliationConfig{
			PollInterval:    cfg.PollInterval,
			PollMaxAttempts: cfg.PollMaxAttempts,
			RetryCooldown:   cfg.RetryCooldown,
			StalePendingAge: cfg.StalePendingAge,
		},
		appLogger,
	)
	reconciler := worker.NewReconciler(reconcileSvc, worker.Config{CleanupInterval: cfg.CleanupInterval}, appLogger)

	g, groupCtx := errgroup.WithContext(mainCtx)

	if err := natsClient.QueueSubscribe(groupCtx, domain.SubjectTransactionCompleted, auditQueue, reconciler.HandleCompletedEvent); err != nil {
		appLogger.Error("Failed to subscribe to completed transactions", "error", err)
		os.Exit(1)
	}

	g.Go(func() error {
		return reconciler.RunCleanup(groupCtx)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ReconcilerMetricsPort),
		Handler: metricsMux,
	}

	g.Go(func() error {
		appLogger.Info("Metrics HTTP server starting", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics HTTP server ListenAndServe error", "error", err)
			return err
		}
		return nil
	})

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
		case <-groupCtx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics HTTP server graceful shutdown failed", "error", err)
			return fmt.Errorf("metrics http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Reconciliation service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Reconciliation service shut down.")
}
