package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	SubjectTransactionCompleted = "payments.transaction.completed"
	SubjectTransactionFailed    = "payments.transaction.failed"
)

// TransactionEvent is published after a settlement reaches a terminal status.
type TransactionEvent struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	CorrelationID string            `json:"correlation_id"`
	Method        Method            `json:"method"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Receipt       string            `json:"receipt,omitempty"`
	MemberID      *uuid.UUID        `json:"member_id,omitempty"`
	Dependent     *DependentRef     `json:"dependent,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`

	// ReportedAmount is what the gateway said was paid, zero when it did not say.
	ReportedAmount int64 `json:"reported_amount,omitempty"`
}

// Subject picks the NATS subject for the event's status.
func (e TransactionEvent) Subject() string {
	if e.Status == StatusCompleted {
		return SubjectTransactionCompleted
	}
	return SubjectTransactionFailed
}

// NewTransactionEvent builds an event from a settled transaction.
func NewTransactionEvent(txn *Transaction) TransactionEvent {
	evt := TransactionEvent{
		TransactionID: txn.ID,
		CorrelationID: txn.CorrelationID(),
		Method:        txn.Method,
		Status:        txn.Status,
		Amount:        txn.Amount,
		MemberID:      txn.MemberID,
		Dependent:     txn.Dependent,
		OccurredAt:    time.Now().UTC(),
	}
	if txn.Receipt != nil {
		evt.Receipt = *txn.Receipt
	}
	return evt
}

// EventPublisher dispatches transaction events. Failures never affect settlement.
type EventPublisher interface {
	PublishTransactionEvent(ctx context.Context, evt TransactionEvent) error
}
