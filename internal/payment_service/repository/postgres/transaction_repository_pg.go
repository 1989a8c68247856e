package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
	"github.com/cbo-portal/golang_services/internal/payment_service/repository"
)

const uniqueViolation = "23505"

const transactionColumns = `id, checkout_request_id, merchant_request_id, order_tracking_id, merchant_reference,
	amount, currency, phone_number, method, status, mpesa_receipt, payment_method, result_code, result_desc,
	account_reference, description, member_id, dependent_kind, dependent_id, created_at, updated_at, verified_at`

// nonTerminalList renders domain.NonTerminalStatuses as a SQL IN list.
var nonTerminalList = func() string {
	quoted := make([]string, len(domain.NonTerminalStatuses))
	for i, s := range domain.NonTerminalStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}()

func correlationColumn(kind domain.CorrelationKind) (string, error) {
	switch kind {
	case domain.CorrelationCheckoutRequest:
		return "checkout_request_id", nil
	case domain.CorrelationOrderTracking:
		return "order_tracking_id", nil
	default:
		return "", fmt.Errorf("unknown correlation kind %q", kind)
	}
}

// scanTransaction reads one row selected with transactionColumns.
func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t       domain.Transaction
		method  string
		depKind *string
		depID   *uuid.UUID
	)
	err := row.Scan(
		&t.ID,
		&t.CheckoutRequestID,
		&t.MerchantRequestID,
		&t.OrderTrackingID,
		&t.MerchantReference,
		&t.Amount,
		&t.Currency,
		&t.PhoneNumber,
		&method,
		&t.Status,
		&t.Receipt,
		&t.PaymentMethod,
		&t.ResultCode,
		&t.ResultDesc,
		&t.AccountReference,
		&t.Description,
		&t.MemberID,
		&depKind,
		&depID,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.VerifiedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Method = domain.Method(method)
	if depKind != nil && depID != nil {
		t.Dependent = &domain.DependentRef{Kind: domain.DependentKind(*depKind), ID: *depID}
	}
	return &t, nil
}

type PgTransactionRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

// NewPgTransactionRepository creates a TransactionRepository backed by the mpesa_transactions table.
func NewPgTransactionRepository(db repository.Querier, logger *slog.Logger) *PgTransactionRepository {
	return &PgTransactionRepository{db: db, logger: logger.With("component", "transaction_repository_pg")}
}

func (r *PgTransactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	now := time.Now().UTC()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	txn.UpdatedAt = txn.CreatedAt
	if txn.Status == "" {
		txn.Status = domain.StatusPending
	}

	var depKind *string
	var depID *uuid.UUID
	if txn.Dependent != nil {
		kind := string(txn.Dependent.Kind)
		id := txn.Dependent.ID
		depKind, depID = &kind, &id
	}

	query := `INSERT INTO mpesa_transactions (id, checkout_request_id, merchant_request_id, order_tracking_id,
		merchant_reference, amount, currency, phone_number, method, status, account_reference, description,
		member_id, dependent_kind, dependent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.db.Exec(ctx, query,
		txn.ID, txn.CheckoutRequestID, txn.MerchantRequestID, txn.OrderTrackingID, txn.MerchantReference,
		txn.Amount, txn.Currency, txn.PhoneNumber, string(txn.Method), string(txn.Status),
		txn.AccountReference, txn.Description, txn.MemberID, depKind, depID, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.logger.WarnContext(ctx, "Duplicate correlation id on insert", "correlation_id", txn.CorrelationID(), "constraint", pgErr.ConstraintName)
			return fmt.Errorf("create transaction %s: %w", txn.CorrelationID(), domain.ErrDuplicate)
		}
		r.logger.ErrorContext(ctx, "Failed to insert transaction", "correlation_id", txn.CorrelationID(), "error", err)
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (r *PgTransactionRepository) GetByCorrelation(ctx context.Context, c domain.Correlation) (*domain.Transaction, error) {
	column, err := correlationColumn(c.Kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + transactionColumns + ` FROM mpesa_transactions WHERE ` + column + ` = $1`
	txn, err := scanTransaction(r.db.QueryRow(ctx, query, c.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error fetching transaction", column, c.ID, "error", err)
		return nil, fmt.Errorf("get transaction by %s: %w", column, err)
	}
	return txn, nil
}

// GetByCheckoutRequestID is shorthand for an M-Pesa correlation lookup.
func (r *PgTransactionRepository) GetByCheckoutRequestID(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.GetByCorrelation(ctx, domain.ByCheckoutRequest(id))
}

// GetByOrderTrackingID is shorthand for a Pesapal correlation lookup.
func (r *PgTransactionRepository) GetByOrderTrackingID(ctx context.Context, id string) (*domain.Transaction, error) {
	return r.GetByCorrelation(ctx, domain.ByOrderTracking(id))
}

func (r *PgTransactionRepository) MarkStatus(ctx context.Context, c domain.Correlation, status domain.TransactionStatus, reason string) (bool, error) {
	column, err := correlationColumn(c.Kind)
	if err != nil {
		return false, err
	}
	if status.IsTerminal() {
		// Terminal writes carry a receipt and a dependent update; they go through settlement.
		return false, fmt.Errorf("mark status %s: terminal statuses must be settled", status)
	}
	query := `UPDATE mpesa_transactions
		SET status = $2, result_desc = COALESCE(NULLIF($3, ''), result_desc), updated_at = NOW()
		WHERE ` + column + ` = $1 AND status IN (` + nonTerminalList + `) AND status <> $2`

	tag, err := r.db.Exec(ctx, query, c.ID, string(status), reason)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update transaction status", column, c.ID, "status", status, "error", err)
		return false, fmt.Errorf("mark transaction %s: %w", status, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgTransactionRepository) RecordProgress(ctx context.Context, c domain.Correlation, status domain.TransactionStatus, paymentMethod, reason string) (bool, error) {
	column, err := correlationColumn(c.Kind)
	if err != nil {
		return false, err
	}
	if status.IsTerminal() {
		return false, fmt.Errorf("record progress %s: terminal statuses must be settled", status)
	}
	query := `UPDATE mpesa_transactions
		SET status = $2, payment_method = COALESCE(NULLIF($3, ''), payment_method),
			result_desc = COALESCE(NULLIF($4, ''), result_desc), updated_at = NOW()
		WHERE ` + column + ` = $1 AND status IN (` + nonTerminalList + `)`

	tag, err := r.db.Exec(ctx, query, c.ID, string(status), paymentMethod, reason)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record transaction progress", column, c.ID, "status", status, "error", err)
		return false, fmt.Errorf("record transaction progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgTransactionRepository) MarkStalePendingAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE mpesa_transactions
		SET status = 'abandoned', result_desc = COALESCE(result_desc, 'No confirmation received'), updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to abandon stale pending transactions", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("abandon stale transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}
