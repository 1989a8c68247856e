package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/events"
	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

var (
	cleanupRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "cleanup_runs_total",
			Help:      "Stale pending cleanup runs by outcome.",
		},
		[]string{"outcome"}, // success, error
	)
	auditsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconciler",
			Name:      "audits_total",
			Help:      "Completed transactions audited after settlement.",
		},
		[]string{"result"}, // valid, invalid, error, skipped
	)
	cleanupDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reconciler",
			Name:      "cleanup_duration_seconds",
			Help:      "Duration of stale pending cleanup runs.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Reconciliation is the part of app.ReconciliationService the worker drives.
type Reconciliation interface {
	CleanupStalePendingTransactions(ctx context.Context) (int64, error)
	VerifyAndReconcile(ctx context.Context, checkoutRequestID string, expectedAmount int64) (*app.ReconciliationReport, error)
}

// Config holds configuration for the Reconciler.
type Config struct {
	CleanupInterval time.Duration
}

// Reconciler abandons stale pending transactions on a schedule and audits every completed
// M-Pesa transaction announced on the broker.
type Reconciler struct {
	svc    Reconciliation
	cfg    Config
	logger *slog.Logger
}

func NewReconciler(svc Reconciliation, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Minute
	}
	return &Reconciler{svc: svc, cfg: cfg, logger: logger.With("component", "reconciler")}
}

// CleanupOnce runs a single stale pending sweep.
func (r *Reconciler) CleanupOnce(ctx context.Context) (int64, error) {
	timer := prometheus.NewTimer(cleanupDurationHist)
	defer timer.ObserveDuration()

	n, err := r.svc.CleanupStalePendingTransactions(ctx)
	if err != nil {
		cleanupRunsCounter.WithLabelValues("error").Inc()
		r.logger.ErrorContext(ctx, "Stale pending cleanup failed", "error", err)
		return 0, err
	}
	cleanupRunsCounter.WithLabelValues("success").Inc()
	if n > 0 {
		r.logger.InfoContext(ctx, "Abandoned stale pending transactions", "count", n)
	}
	return n, nil
}

// RunCleanup sweeps immediately and then every CleanupInterval until ctx is done. A failed
// sweep is logged and retried on the next tick.
func (r *Reconciler) RunCleanup(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Cleanup loop starting", "interval", r.cfg.CleanupInterval)
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	_, _ = r.CleanupOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Cleanup loop stopped")
			return nil
		case <-ticker.C:
			_, _ = r.CleanupOnce(ctx)
		}
	}
}

// HandleCompletedEvent audits one payments.transaction.completed message. It matches
// messagebroker.MessageHandler.
func (r *Reconciler) HandleCompletedEvent(ctx context.Context, subject string, data []byte) {
	evt, err := events.DecodeTransactionEvent(data)
	if err != nil {
		auditsCounter.WithLabelValues("error").Inc()
		r.logger.ErrorContext(ctx, "Dropping undecodable event", "subject", subject, "error", err)
		return
	}
	log := r.logger.With("transaction_id", evt.TransactionID, "correlation_id", evt.CorrelationID)

	// Pesapal orders are keyed by order tracking id and verified through GetTransactionStatus.
	if evt.Method == domain.MethodPesapal || evt.CorrelationID == "" {
		auditsCounter.WithLabelValues("skipped").Inc()
		return
	}

	// The stored amount must match what Daraja reported.
	report, err := r.svc.VerifyAndReconcile(ctx, evt.CorrelationID, evt.ReportedAmount)
	if err != nil {
		auditsCounter.WithLabelValues("error").Inc()
		log.ErrorContext(ctx, "Audit failed", "error", err)
		return
	}
	if !report.IsValid {
		auditsCounter.WithLabelValues("invalid").Inc()
		log.WarnContext(ctx, "Completed transaction failed audit", "issues", report.Issues)
		return
	}
	auditsCounter.WithLabelValues("valid").Inc()
	log.DebugContext(ctx, "Completed transaction passed audit")
}
