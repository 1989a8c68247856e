package app

import (
	"context"
	"log/slog"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// Settlement sources, used as the metrics label.
const (
	sourceCallback    = "callback"
	sourceStatusQuery = "status_query"
)

// settlementRecorder writes terminal gateway results and announces the ones that changed something.
type settlementRecorder struct {
	settlements domain.SettlementRepository
	events      domain.EventPublisher
	logger      *slog.Logger
}

func (r *settlementRecorder) record(ctx context.Context, source string, c domain.Correlation, result domain.GatewayResult) (*domain.SettlementOutcome, error) {
	outcome, err := r.settlements.Settle(ctx, c, result)
	if err != nil {
		r.logger.ErrorContext(ctx, "Settlement failed", "source", source, "correlation_id", c.ID, "status", result.Status, "error", err)
		return nil, err
	}
	if !outcome.Applied {
		r.logger.InfoContext(ctx, "Transaction already terminal, result ignored",
			"source", source, "correlation_id", c.ID, "stored_status", outcome.Transaction.Status, "reported_status", result.Status)
		return outcome, nil
	}

	settlementsCounter.WithLabelValues(source, string(result.Status)).Inc()
	r.logger.InfoContext(ctx, "Transaction settled",
		"source", source, "correlation_id", c.ID, "status", outcome.Transaction.Status, "dependent_updated", outcome.DependentUpdate)

	if r.events != nil {
		evt := domain.NewTransactionEvent(outcome.Transaction)
		evt.ReportedAmount = result.Amount
		if err := r.events.PublishTransactionEvent(ctx, evt); err != nil {
			r.logger.WarnContext(ctx, "Failed to publish transaction event", "subject", evt.Subject(), "transaction_id", evt.TransactionID, "error", err)
		}
	}
	return outcome, nil
}
