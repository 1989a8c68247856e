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

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/cooldown"
	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/events"
	httpadapter "github.com/cbo-portal/golang_services/internal/payment_service/adapters/http"
	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/mpesa"
	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/pesapal"
	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/repository/postgres"
	"github.com/cbo-portal/golang_services/internal/platform/config"
	"github.com/cbo-portal/golang_services/internal/platform/database"
	"github.com/cbo-portal/golang_services/internal/platform/logger"
	"github.com/cbo-portal/golang_services/internal/platform/messagebroker"
)

const (
	serviceName     = "payment-service"
	shutdownTimeout = 15 * time.Second
	gatewayTimeout  = 30 * time.Second
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
	appLogger.Info("Payment service starting...",
		"http_port", cfg.PaymentServiceHTTPPort,
		"metrics_port", cfg.PaymentServiceMetricsPort,
		"log_level", cfg.LogLevel,
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
	if err := redisClient.Ping().Err(); err != nil {
		appLogger.Warn("Redis not reachable; retries will be refused until it is", "addr", cfg.RedisAddr, "error", err)
	}

	txnRepo := postgres.NewPgTransactionRepository(dbPool, appLogger)
	depRepo := postgres.NewPgDependentRecordRepository(dbPool, appLogger)
	settlementRepo := postgres.NewPgSettlementRepository(dbPool, appLogger)
	publisher := events.NewNATSPublisher(natsClient, appLogger)
	cooldownStore := cooldown.NewRedisStore(redisClient, appLogger)

	gatewayHTTP := &http.Client{Timeout: gatewayTimeout}
	mpesaClient := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		ShortCode:      cfg.MpesaShortCode,
		TillNumber:     cfg.MpesaTillNumber,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
	}, gatewayHTTP, appLogger)
	pesapalClient := pesapal.NewClient(pesapal.Config{
		BaseURL:        cfg.PesapalBaseURL,
		ConsumerKey:    cfg.PesapalConsumerKey,
		ConsumerSecret: cfg.PesapalConsumerSecret,
	}, gatewayHTTP, appLogger)

	mpesaSvc := app.NewMpesaService(mpesaClient, txnRepo, depRepo, settlementRepo, publisher, appLogger)
	pesapalSvc := app.NewPesapalService(pesapalClient, txnRepo, depRepo, settlementRepo, publisher, app.PesapalConfig{
		IPNID:       cfg.PesapalIPNID,
		Currency:    cfg.PesapalCurrency,
		CallbackURL: cfg.PesapalCallbackURL,
	}, appLogger)
	reconcileCfg := app.ReconciliationConfig{
		PollInterval:    cfg.PollInterval,
		PollMaxAttempts: cfg.PollMaxAttempts,
		RetryCooldown:   cfg.RetryCooldown,
		StalePendingAge: cfg.StalePendingAge,
	}
	reconcileSvc := app.NewReconciliationService(txnRepo, depRepo, mpesaClient, cooldownStore, reconcileCfg, appLogger)
	if cfg.PesapalIPNID == "" {
		appLogger.Warn("Pesapal IPN id not configured; submit-order will fail until one is registered")
	}
	if cfg.PesapalCallbackURL == "" {
		appLogger.Warn("Pesapal callback URL not configured; submit-order requires callbackUrl")
	}

	// The poll action holds the request open for the whole poll window plus one status query.
	pollWindow := time.Duration(cfg.PollMaxAttempts)*cfg.PollInterval + gatewayTimeout
	router := httpadapter.NewRouter(httpadapter.RouterConfig{
		Functions:      httpadapter.NewFunctionsHandler(mpesaSvc, reconcileSvc, pesapalSvc, validator.New(validator.WithRequiredStructEnabled()), appLogger),
		Callbacks:      httpadapter.NewCallbackHandler(mpesaSvc, pesapalSvc, appLogger),
		JWTSecret:      []byte(cfg.AuthJWTSecret),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout: pollWindow + 5*time.Second,
		Logger:         appLogger,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.PaymentServiceHTTPPort),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: pollWindow + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PaymentServiceMetricsPort),
		Handler: metricsMux,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("HTTP server shut down gracefully.")
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Metrics HTTP server starting", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Metrics HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("Metrics HTTP server shut down gracefully.")
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
		appLogger.Info("Initiating graceful shutdown of servers...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()

		var shutdownErrors error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("http shutdown: %w", err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Metrics HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("metrics http shutdown: %w", err))
		}
		return shutdownErrors
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Payment service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Payment service shut down.")
}
