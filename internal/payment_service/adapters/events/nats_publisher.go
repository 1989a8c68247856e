package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
	"github.com/cbo-portal/golang_services/internal/platform/messagebroker"
)

// NATSPublisher sends transaction events as JSON on the subject matching their status.
type NATSPublisher struct {
	broker messagebroker.Publisher
	logger *slog.Logger
}

func NewNATSPublisher(broker messagebroker.Publisher, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{broker: broker, logger: logger.With("component", "event_publisher")}
}

func (p *NATSPublisher) PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transaction event: %w", err)
	}
	subject := evt.Subject()
	if err := p.broker.Publish(ctx, subject, data); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "Transaction event published", "subject", subject, "transaction_id", evt.TransactionID)
	return nil
}

// DecodeTransactionEvent parses an event received from the broker.
func DecodeTransactionEvent(data []byte) (domain.TransactionEvent, error) {
	var evt domain.TransactionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("decode transaction event: %w", err)
	}
	return evt, nil
}
