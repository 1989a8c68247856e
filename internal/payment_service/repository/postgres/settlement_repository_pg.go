package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
	"github.com/cbo-portal/golang_services/internal/payment_service/repository"
)

// PgSettlementRepository writes a terminal gateway result and the linked dependent record
// update in a single database transaction. Replaying the same result is a no-op.
type PgSettlementRepository struct {
	db     repository.DB
	logger *slog.Logger
}

func NewPgSettlementRepository(db repository.DB, logger *slog.Logger) *PgSettlementRepository {
	return &PgSettlementRepository{db: db, logger: logger.With("component", "settlement_repository_pg")}
}

func (r *PgSettlementRepository) Settle(ctx context.Context, c domain.Correlation, result domain.GatewayResult) (*domain.SettlementOutcome, error) {
	if !result.Status.IsTerminal() {
		return nil, fmt.Errorf("settle %s: status %q is not terminal", c.ID, result.Status)
	}
	column, err := correlationColumn(c.Kind)
	if err != nil {
		return nil, err
	}

	outcome := &domain.SettlementOutcome{}
	txErr := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		selectQuery := `SELECT ` + transactionColumns + ` FROM mpesa_transactions WHERE ` + column + ` = $1 FOR UPDATE`
		txn, err := scanTransaction(tx.QueryRow(ctx, selectQuery, c.ID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("lock transaction: %w", err)
		}
		outcome.Transaction = txn

		if txn.Status.IsTerminal() {
			r.logger.InfoContext(ctx, "Transaction already terminal, settlement skipped",
				column, c.ID, "status", txn.Status, "incoming_status", result.Status)
			return nil
		}

		var receipt *string
		if result.Status == domain.StatusCompleted {
			if result.Receipt == "" {
				r.logger.WarnContext(ctx, "Completed result carries no receipt", column, c.ID)
			} else {
				receipt = &result.Receipt
			}
		}

		updateQuery := `UPDATE mpesa_transactions
			SET status = $2, mpesa_receipt = $3,
			    payment_method = COALESCE(NULLIF($4, ''), payment_method),
			    result_code = COALESCE(NULLIF($5, ''), result_code),
			    result_desc = COALESCE(NULLIF($6, ''), result_desc),
			    verified_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status IN (` + nonTerminalList + `)`
		tag, err := tx.Exec(ctx, updateQuery, txn.ID, string(result.Status), receipt,
			result.PaymentMethod, result.ResultCode, result.ResultDesc)
		if err != nil {
			return fmt.Errorf("write transaction result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		now := time.Now().UTC()
		txn.Status = result.Status
		txn.Receipt = receipt
		txn.UpdatedAt = now
		txn.VerifiedAt = &now
		if result.PaymentMethod != "" {
			txn.PaymentMethod = &result.PaymentMethod
		}
		if result.ResultCode != "" {
			txn.ResultCode = &result.ResultCode
		}
		if result.ResultDesc != "" {
			txn.ResultDesc = &result.ResultDesc
		}
		outcome.Applied = true

		if txn.Dependent == nil {
			return nil
		}
		updated, err := settleDependent(ctx, tx, *txn.Dependent, result)
		if err != nil {
			return err
		}
		outcome.DependentUpdate = updated
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, domain.ErrNotFound) {
			return nil, fmt.Errorf("settle %s: %w", c.ID, domain.ErrNotFound)
		}
		r.logger.ErrorContext(ctx, "Settlement rolled back", column, c.ID, "status", result.Status, "error", txErr)
		return nil, fmt.Errorf("settle %s: %w", c.ID, txErr)
	}

	if outcome.Applied {
		r.logger.InfoContext(ctx, "Transaction settled", column, c.ID, "status", result.Status,
			"dependent_updated", outcome.DependentUpdate)
	}
	return outcome, nil
}
