package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
	"github.com/cbo-portal/golang_services/internal/payment_service/repository"
)

// dependentTable describes where a dependent kind lives and which column holds its receipt.
type dependentTable struct {
	name            string
	referenceColumn string
}

func dependentTableFor(kind domain.DependentKind) (dependentTable, error) {
	switch kind {
	case domain.DependentContribution:
		return dependentTable{name: "contributions", referenceColumn: "reference_number"}, nil
	case domain.DependentWelfareContribution:
		return dependentTable{name: "welfare_contributions", referenceColumn: "mpesa_receipt"}, nil
	case domain.DependentDonation:
		return dependentTable{name: "donations", referenceColumn: "reference_number"}, nil
	default:
		return dependentTable{}, fmt.Errorf("unknown dependent kind %q", kind)
	}
}

type PgDependentRecordRepository struct {
	db     repository.Querier
	logger *slog.Logger
}

func NewPgDependentRecordRepository(db repository.Querier, logger *slog.Logger) *PgDependentRecordRepository {
	return &PgDependentRecordRepository{db: db, logger: logger.With("component", "dependent_repository_pg")}
}

func (r *PgDependentRecordRepository) Get(ctx context.Context, ref domain.DependentRef) (*domain.DependentRecord, error) {
	table, err := dependentTableFor(ref.Kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT member_id, amount::bigint, status, ` + table.referenceColumn + ` FROM ` + table.name + ` WHERE id = $1`

	var (
		memberID  *uuid.UUID
		amount    int64
		status    string
		reference *string
	)
	err = r.db.QueryRow(ctx, query, ref.ID).Scan(&memberID, &amount, &status, &reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Error fetching dependent record", "dependent", ref.String(), "error", err)
		return nil, fmt.Errorf("get %s: %w", ref.Kind, err)
	}
	return &domain.DependentRecord{
		Ref:             ref,
		MemberID:        memberID,
		Amount:          amount,
		Status:          domain.DependentStatus(status),
		ReferenceNumber: reference,
	}, nil
}

func (r *PgDependentRecordRepository) Reopen(ctx context.Context, ref domain.DependentRef) (bool, error) {
	table, err := dependentTableFor(ref.Kind)
	if err != nil {
		return false, err
	}
	query := `UPDATE ` + table.name + ` SET status = 'pending', updated_at = NOW() WHERE id = $1 AND status = 'failed'`
	tag, err := r.db.Exec(ctx, query, ref.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reopening dependent record", "dependent", ref.String(), "error", err)
		return false, fmt.Errorf("reopen %s: %w", ref.Kind, err)
	}
	return tag.RowsAffected() > 0, nil
}

// settleDependent applies a terminal transaction result to its dependent record inside tx.
// Completion always writes the receipt; failure only touches records still pending.
func settleDependent(ctx context.Context, tx repository.Querier, ref domain.DependentRef, result domain.GatewayResult) (bool, error) {
	table, err := dependentTableFor(ref.Kind)
	if err != nil {
		return false, err
	}

	var (
		query string
		args  []interface{}
	)
	if result.Status == domain.StatusCompleted {
		query = `UPDATE ` + table.name + ` SET status = $2, ` + table.referenceColumn + ` = $3, updated_at = NOW()
			WHERE id = $1 AND status <> $2`
		args = []interface{}{ref.ID, string(ref.Kind.SettledStatus()), result.Receipt}
	} else {
		query = `UPDATE ` + table.name + ` SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'pending'`
		args = []interface{}{ref.ID, string(domain.DependentStatusFailed)}
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update %s %s: %w", ref.Kind, ref.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}
