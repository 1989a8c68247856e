package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

func TestPgTransactionRepository_Create(t *testing.T) {
	mockPool := newMockPool(t)
	repo := NewPgTransactionRepository(mockPool, discardLogger())

	dep := &domain.DependentRef{Kind: domain.DependentContribution, ID: uuid.New()}
	newTxn := func() *domain.Transaction {
		return &domain.Transaction{
			CheckoutRequestID: strPtr("ws_CO_191220191020363925"),
			MerchantRequestID: strPtr("29115-34620561-1"),
			Amount:            500,
			Currency:          "KES",
			PhoneNumber:       "254712345678",
			Method:            domain.MethodSTK,
			AccountReference:  "CONTRIB-1",
			Dependent:         dep,
		}
	}

	t.Run("Success", func(t *testing.T) {
		txn := newTxn()
		mockPool.ExpectExec(`INSERT INTO mpesa_transactions`).
			WithArgs(pgxmock.AnyArg(), txn.CheckoutRequestID, txn.MerchantRequestID, (*string)(nil), (*string)(nil),
				int64(500), "KES", "254712345678", "stk", "pending", "CONTRIB-1", "",
				(*uuid.UUID)(nil), strPtr("contribution"), &dep.ID, pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := repo.Create(context.Background(), txn)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, txn.ID)
		assert.Equal(t, domain.StatusPending, txn.Status)
		assert.False(t, txn.CreatedAt.IsZero())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DuplicateCorrelation", func(t *testing.T) {
		mockPool.ExpectExec(`INSERT INTO mpesa_transactions`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "mpesa_transactions_checkout_request_id_key"})

		err := repo.Create(context.Background(), newTxn())
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrDuplicate))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("DBError", func(t *testing.T) {
		mockPool.ExpectExec(`INSERT INTO mpesa_transactions`).WillReturnError(errors.New("connection reset"))

		err := repo.Create(context.Background(), newTxn())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgTransactionRepository_GetByCorrelation(t *testing.T) {
	mockPool := newMockPool(t)
	repo := NewPgTransactionRepository(mockPool, discardLogger())

	id := uuid.New()
	checkoutID := "ws_CO_1"
	dep := &domain.DependentRef{Kind: domain.DependentWelfareContribution, ID: uuid.New()}

	t.Run("Found", func(t *testing.T) {
		mockPool.ExpectQuery(`SELECT .+ FROM mpesa_transactions WHERE checkout_request_id = \$1`).
			WithArgs(checkoutID).
			WillReturnRows(mpesaRow(mockPool, id, checkoutID, domain.StatusCompleted, strPtr("NLJ7RT61SV"), dep))

		txn, err := repo.GetByCheckoutRequestID(context.Background(), checkoutID)
		require.NoError(t, err)
		require.NotNil(t, txn)
		assert.Equal(t, id, txn.ID)
		assert.Equal(t, domain.StatusCompleted, txn.Status)
		assert.Equal(t, domain.MethodSTK, txn.Method)
		require.NotNil(t, txn.Receipt)
		assert.Equal(t, "NLJ7RT61SV", *txn.Receipt)
		require.NotNil(t, txn.Dependent)
		assert.Equal(t, *dep, *txn.Dependent)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mockPool.ExpectQuery(`FROM mpesa_transactions WHERE order_tracking_id = \$1`).
			WithArgs("trk-404").
			WillReturnError(pgx.ErrNoRows)

		txn, err := repo.GetByOrderTrackingID(context.Background(), "trk-404")
		assert.Nil(t, txn)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := repo.GetByCorrelation(context.Background(), domain.Correlation{Kind: "receipt", ID: "x"})
		assert.Error(t, err)
	})
}

func TestPgTransactionRepository_MarkStatus(t *testing.T) {
	mockPool := newMockPool(t)
	repo := NewPgTransactionRepository(mockPool, discardLogger())
	c := domain.ByCheckoutRequest("ws_CO_1")

	t.Run("UpdatesNonTerminalRow", func(t *testing.T) {
		mockPool.ExpectExec(`UPDATE mpesa_transactions SET status = \$2.+WHERE checkout_request_id = \$1 AND status IN \('pending', 'awaiting_approval', 'timeout', 'abandoned'\) AND status <> \$2`).
			WithArgs("ws_CO_1", "timeout", "Polling window elapsed").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		updated, err := repo.MarkStatus(context.Background(), c, domain.StatusTimeout, "Polling window elapsed")
		require.NoError(t, err)
		assert.True(t, updated)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("TerminalRowUntouched", func(t *testing.T) {
		mockPool.ExpectExec(`UPDATE mpesa_transactions SET status = \$2`).
			WithArgs("ws_CO_1", "timeout", "").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		updated, err := repo.MarkStatus(context.Background(), c, domain.StatusTimeout, "")
		require.NoError(t, err)
		assert.False(t, updated)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("RefusesTerminalStatus", func(t *testing.T) {
		_, err := repo.MarkStatus(context.Background(), c, domain.StatusCompleted, "")
		assert.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgTransactionRepository_RecordProgress(t *testing.T) {
	mockPool := newMockPool(t)
	repo := NewPgTransactionRepository(mockPool, discardLogger())
	c := domain.ByOrderTracking("trk-1")

	t.Run("KeepsPaymentMethod", func(t *testing.T) {
		mockPool.ExpectExec(`UPDATE mpesa_transactions SET status = \$2, payment_method = COALESCE\(NULLIF\(\$3, ''\), payment_method\).+WHERE order_tracking_id = \$1 AND status IN \('pending', 'awaiting_approval', 'timeout', 'abandoned'\)`).
			WithArgs("trk-1", "pending", "Visa", "Awaiting payment").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		updated, err := repo.RecordProgress(context.Background(), c, domain.StatusPending, "Visa", "Awaiting payment")
		require.NoError(t, err)
		assert.True(t, updated)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("RefusesTerminalStatus", func(t *testing.T) {
		_, err := repo.RecordProgress(context.Background(), c, domain.StatusFailed, "", "")
		assert.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgTransactionRepository_MarkStalePendingAbandoned(t *testing.T) {
	mockPool := newMockPool(t)
	repo := NewPgTransactionRepository(mockPool, discardLogger())
	cutoff := time.Now().Add(-24 * time.Hour)

	mockPool.ExpectExec(`UPDATE mpesa_transactions SET status = 'abandoned'.+WHERE status = 'pending' AND created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.MarkStalePendingAbandoned(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// second run finds nothing left to move
	mockPool.ExpectExec(`UPDATE mpesa_transactions SET status = 'abandoned'`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	n, err = repo.MarkStalePendingAbandoned(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
