package domain

import (
	"context"
	"time"
)

// TransactionRepository persists gateway charge attempts.
type TransactionRepository interface {
	// Create inserts a new row. ID, CreatedAt and UpdatedAt are filled in when zero.
	Create(ctx context.Context, txn *Transaction) error

	// GetByCorrelation looks a row up by its gateway correlation id.
	// Returns ErrNotFound when no row matches.
	GetByCorrelation(ctx context.Context, c Correlation) (*Transaction, error)

	// MarkStatus moves a non-terminal row to status. Rows already terminal are left alone
	// and reported as not updated.
	MarkStatus(ctx context.Context, c Correlation, status TransactionStatus, reason string) (bool, error)

	// RecordProgress stores a non-terminal status check on a non-terminal row, keeping the payment
	// method the gateway reported. Rows already terminal are left alone.
	RecordProgress(ctx context.Context, c Correlation, status TransactionStatus, paymentMethod, reason string) (bool, error)

	// MarkStalePendingAbandoned moves pending rows created before cutoff to abandoned and
	// returns how many rows changed.
	MarkStalePendingAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// DependentRecordRepository reads the contribution, welfare contribution or donation a
// transaction settles.
type DependentRecordRepository interface {
	// Get returns ErrNotFound when the record does not exist.
	Get(ctx context.Context, ref DependentRef) (*DependentRecord, error)

	// Reopen moves a failed record back to pending before a new attempt. It reports false when
	// the record was not failed.
	Reopen(ctx context.Context, ref DependentRef) (bool, error)
}

// SettlementOutcome reports what a Settle call did.
type SettlementOutcome struct {
	// Applied is false when the row was already terminal and nothing was written.
	Applied         bool
	Transaction     *Transaction
	DependentUpdate bool
}

// SettlementRepository writes a gateway result and its dependent record update as one unit.
type SettlementRepository interface {
	Settle(ctx context.Context, c Correlation, result GatewayResult) (*SettlementOutcome, error)
}

// CooldownStore grants at most one retry per key within ttl.
type CooldownStore interface {
	// Acquire returns true when the caller may proceed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
