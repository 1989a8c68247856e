package postgres

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

var transactionRowColumns = []string{
	"id", "checkout_request_id", "merchant_request_id", "order_tracking_id", "merchant_reference",
	"amount", "currency", "phone_number", "method", "status", "mpesa_receipt", "payment_method", "result_code",
	"result_desc", "account_reference", "description", "member_id", "dependent_kind", "dependent_id",
	"created_at", "updated_at", "verified_at",
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	return mockPool
}

func strPtr(s string) *string { return &s }

// mpesaRow builds a single mpesa_transactions row for an STK push in the given status.
func mpesaRow(mockPool pgxmock.PgxPoolIface, id uuid.UUID, checkoutID string, status domain.TransactionStatus, receipt *string, dep *domain.DependentRef) *pgxmock.Rows {
	var depKind *string
	var depID *uuid.UUID
	if dep != nil {
		depKind = strPtr(string(dep.Kind))
		depID = &dep.ID
	}
	memberID := uuid.New()
	created := time.Now().Add(-time.Minute)
	return mockPool.NewRows(transactionRowColumns).AddRow(
		id, strPtr(checkoutID), strPtr("29115-34620561-1"), nil, nil,
		int64(500), "KES", "254712345678", "stk", string(status), receipt, nil, nil,
		nil, "CONTRIB-1", "Monthly contribution", &memberID, depKind, depID,
		created, created, nil,
	)
}
