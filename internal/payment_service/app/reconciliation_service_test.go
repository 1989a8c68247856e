package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

type reconciliationTestComponents struct {
	service  *ReconciliationService
	txns     *MockTransactionRepository
	deps     *MockDependentRecordRepository
	gateway  *MockMpesaGateway
	cooldown *MockCooldownStore
}

func setupReconciliationTest(t *testing.T) reconciliationTestComponents {
	t.Helper()
	c := reconciliationTestComponents{
		txns:     new(MockTransactionRepository),
		deps:     new(MockDependentRecordRepository),
		gateway:  new(MockMpesaGateway),
		cooldown: new(MockCooldownStore),
	}
	c.service = NewReconciliationService(c.txns, c.deps, c.gateway, c.cooldown, ReconciliationConfig{
		PollInterval:    time.Millisecond,
		PollMaxAttempts: 30,
		RetryCooldown:   30 * time.Second,
		StalePendingAge: 24 * time.Hour,
	}, discardLogger())
	return c
}

func storedTxn(checkoutID string, status domain.TransactionStatus) *domain.Transaction {
	return &domain.Transaction{
		ID:                uuid.New(),
		CheckoutRequestID: &checkoutID,
		Amount:            500,
		Currency:          "KES",
		PhoneNumber:       "254712345678",
		Method:            domain.MethodSTK,
		Status:            status,
		AccountReference:  "CBO-2024",
		Description:       "Contribution",
	}
}

// pollCounter records callback invocations.
type pollCounter struct {
	progress  []string
	successes int
	errs      []error
}

func (p *pollCounter) callbacks() PollCallbacks {
	return PollCallbacks{
		OnStatusChange: func(msg string) { p.progress = append(p.progress, msg) },
		OnSuccess:      func(*domain.Transaction) { p.successes++ },
		OnError:        func(err error) { p.errs = append(p.errs, err) },
	}
}

func TestReconciliationService_PollTransactionStatus(t *testing.T) {
	ctx := context.Background()
	checkoutID := "ws_CO_POLL"
	c := domain.ByCheckoutRequest(checkoutID)

	t.Run("CompletesOnThirdIteration", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		completed := storedTxn(checkoutID, domain.StatusCompleted)
		completed.Receipt = strPtr("QCL7RT61SV")
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusPending), nil).Twice()
		comps.txns.On("GetByCorrelation", ctx, c).Return(completed, nil).Once()

		counter := &pollCounter{}
		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, counter.callbacks())
		require.NoError(t, err)
		assert.Same(t, completed, txn)
		assert.Equal(t, 1, counter.successes)
		assert.Len(t, counter.progress, 2)
		assert.Empty(t, counter.errs)
		comps.txns.AssertNumberOfCalls(t, "GetByCorrelation", 3)
		comps.gateway.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything)
	})

	t.Run("NeverUpdatesAndFallbackNotComplete", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusPending), nil)
		comps.gateway.On("QueryStatus", ctx, checkoutID).Return(&domain.STKQueryResponse{
			ResponseCode: "0", ResultCode: "1", ResultDesc: "The balance is insufficient for the transaction",
		}, nil).Once()

		counter := &pollCounter{}
		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, counter.callbacks())
		require.NoError(t, err)
		assert.Nil(t, txn)
		assert.Zero(t, counter.successes)
		assert.Empty(t, counter.errs)
		assert.Len(t, counter.progress, 30)
		comps.txns.AssertNumberOfCalls(t, "GetByCorrelation", 30)
		comps.gateway.AssertNumberOfCalls(t, "QueryStatus", 1)
	})

	t.Run("MissingRowTreatedAsInitiating", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		completed := storedTxn(checkoutID, domain.StatusCompleted)
		comps.txns.On("GetByCorrelation", ctx, c).Return(nil, domain.ErrNotFound).Once()
		comps.txns.On("GetByCorrelation", ctx, c).Return(completed, nil).Once()

		counter := &pollCounter{}
		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, counter.callbacks())
		require.NoError(t, err)
		assert.Same(t, completed, txn)
		require.Len(t, counter.progress, 1)
		assert.Contains(t, counter.progress[0], "register")
	})

	t.Run("FailedInvokesOnError", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		failed := storedTxn(checkoutID, domain.StatusFailed)
		failed.ResultDesc = strPtr("Request cancelled by user")
		comps.txns.On("GetByCorrelation", ctx, c).Return(failed, nil).Once()

		counter := &pollCounter{}
		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, counter.callbacks())
		require.NoError(t, err)
		assert.Nil(t, txn)
		require.Len(t, counter.errs, 1)
		assert.ErrorIs(t, counter.errs[0], domain.ErrPaymentFailed)
		assert.Contains(t, counter.errs[0].Error(), "Request cancelled by user")
		assert.Zero(t, counter.successes)
	})

	t.Run("ReadErrorsDoNotAbort", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(nil, errors.New("conn busy")).Times(4)
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusCompleted), nil).Once()

		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, PollCallbacks{})
		require.NoError(t, err)
		require.NotNil(t, txn)
		assert.Equal(t, domain.StatusCompleted, txn.Status)
	})

	t.Run("FallbackSuccessReReadsStore", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.service.cfg.PollMaxAttempts = 3
		completed := storedTxn(checkoutID, domain.StatusCompleted)
		completed.Receipt = strPtr("QCL7RT61SV")
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusPending), nil).Times(3)
		comps.gateway.On("QueryStatus", ctx, checkoutID).Return(&domain.STKQueryResponse{ResponseCode: "0", ResultCode: "0"}, nil).Once()
		comps.txns.On("GetByCorrelation", ctx, c).Return(completed, nil).Once()

		counter := &pollCounter{}
		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, counter.callbacks())
		require.NoError(t, err)
		assert.Same(t, completed, txn)
		assert.Equal(t, 1, counter.successes)
		comps.txns.AssertNumberOfCalls(t, "GetByCorrelation", 4)
	})

	t.Run("FallbackErrorIsNotFailure", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.service.cfg.PollMaxAttempts = 2
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusPending), nil)
		comps.gateway.On("QueryStatus", ctx, checkoutID).Return(nil, domain.ErrGateway).Once()

		counter := &pollCounter{}
		txn, err := comps.service.PollTransactionStatus(ctx, checkoutID, counter.callbacks())
		require.NoError(t, err)
		assert.Nil(t, txn)
		assert.Empty(t, counter.errs)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.service.cfg.PollInterval = time.Hour
		cctx, cancel := context.WithCancel(ctx)
		comps.txns.On("GetByCorrelation", cctx, c).Run(func(mock.Arguments) { cancel() }).
			Return(storedTxn(checkoutID, domain.StatusPending), nil).Once()

		_, err := comps.service.PollTransactionStatus(cctx, checkoutID, PollCallbacks{})
		assert.ErrorIs(t, err, context.Canceled)
		comps.gateway.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything)
	})
}

func TestReconciliationService_VerifyAndReconcile(t *testing.T) {
	ctx := context.Background()
	checkoutID := "ws_CO_VERIFY"
	c := domain.ByCheckoutRequest(checkoutID)

	t.Run("Valid", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		txn := storedTxn(checkoutID, domain.StatusCompleted)
		txn.Receipt = strPtr("QCL7RT61SV")
		ref := domain.DependentRef{Kind: domain.DependentContribution, ID: uuid.New()}
		txn.Dependent = &ref
		comps.txns.On("GetByCorrelation", ctx, c).Return(txn, nil).Once()
		comps.deps.On("Get", ctx, ref).Return(&domain.DependentRecord{Ref: ref, Status: domain.DependentStatusPaid}, nil).Once()

		report, err := comps.service.VerifyAndReconcile(ctx, checkoutID, 500)
		require.NoError(t, err)
		assert.True(t, report.IsValid)
		assert.Empty(t, report.Issues)
		assert.Same(t, txn, report.Transaction)
	})

	t.Run("NotFound", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(nil, domain.ErrNotFound).Once()

		report, err := comps.service.VerifyAndReconcile(ctx, checkoutID, 500)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		require.Len(t, report.Issues, 1)
		assert.Equal(t, IssueNotFound, report.Issues[0].Code)
		assert.Nil(t, report.Transaction)
	})

	t.Run("AmountMismatchAndMissingReceipt", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusCompleted), nil).Once()

		report, err := comps.service.VerifyAndReconcile(ctx, checkoutID, 1000)
		require.NoError(t, err)
		assert.False(t, report.IsValid)
		codes := []string{}
		for _, issue := range report.Issues {
			codes = append(codes, issue.Code)
		}
		assert.ElementsMatch(t, []string{IssueAmountMismatch, IssueMissingReceipt}, codes)
	})

	t.Run("NotCompleted", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusPending), nil).Once()

		report, err := comps.service.VerifyAndReconcile(ctx, checkoutID, 500)
		require.NoError(t, err)
		require.Len(t, report.Issues, 1)
		assert.Equal(t, IssueNotCompleted, report.Issues[0].Code)
	})

	t.Run("DependentLeftUnpaid", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		txn := storedTxn(checkoutID, domain.StatusCompleted)
		txn.Receipt = strPtr("QCL7RT61SV")
		ref := domain.DependentRef{Kind: domain.DependentWelfareContribution, ID: uuid.New()}
		txn.Dependent = &ref
		comps.txns.On("GetByCorrelation", ctx, c).Return(txn, nil).Once()
		comps.deps.On("Get", ctx, ref).Return(&domain.DependentRecord{Ref: ref, Status: domain.DependentStatusPending}, nil).Once()

		report, err := comps.service.VerifyAndReconcile(ctx, checkoutID, 500)
		require.NoError(t, err)
		require.Len(t, report.Issues, 1)
		assert.Equal(t, IssueDependentUnsettled, report.Issues[0].Code)
	})

	t.Run("StoreError", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(nil, errors.New("connection refused")).Once()

		_, err := comps.service.VerifyAndReconcile(ctx, checkoutID, 500)
		assert.Error(t, err)
	})
}

func TestReconciliationService_HandleTransactionTimeout(t *testing.T) {
	ctx := context.Background()
	c := domain.ByCheckoutRequest("ws_CO_TO")

	comps := setupReconciliationTest(t)
	comps.txns.On("MarkStatus", ctx, c, domain.StatusTimeout, "Transaction timed out").Return(true, nil).Once()
	updated, err := comps.service.HandleTransactionTimeout(ctx, "ws_CO_TO")
	require.NoError(t, err)
	assert.True(t, updated)

	comps.txns.On("MarkStatus", ctx, c, domain.StatusTimeout, "Transaction timed out").Return(false, nil).Once()
	updated, err = comps.service.HandleTransactionTimeout(ctx, "ws_CO_TO")
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestReconciliationService_RetryTransaction(t *testing.T) {
	ctx := context.Background()
	checkoutID := "ws_CO_OLD"
	c := domain.ByCheckoutRequest(checkoutID)
	ref := domain.DependentRef{Kind: domain.DependentContribution, ID: uuid.MustParse("6f1c1a3e-2b4d-4c6e-9a8b-1d2e3f4a5b6c")}

	t.Run("StartsNewPushWithSameParameters", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		prev := storedTxn(checkoutID, domain.StatusTimeout)
		prev.Dependent = &ref
		comps.txns.On("GetByCorrelation", ctx, c).Return(prev, nil).Once()
		comps.cooldown.On("Acquire", ctx, "contribution:6f1c1a3e-2b4d-4c6e-9a8b-1d2e3f4a5b6c", 30*time.Second).Return(true, nil).Once()
		comps.txns.On("MarkStatus", ctx, c, domain.StatusAbandoned, "Superseded by retry").Return(true, nil).Once()
		comps.gateway.On("InitiateSTKPush", ctx, domain.STKPushRequest{
			PhoneNumber:      "254712345678",
			Amount:           500,
			AccountReference: "CBO-2024",
			TransactionDesc:  "Contribution",
			Method:           domain.MethodSTK,
		}).Return(acceptedPush("ws_CO_NEW"), nil).Once()
		comps.txns.On("Create", ctx, mock.MatchedBy(func(txn *domain.Transaction) bool {
			return *txn.CheckoutRequestID == "ws_CO_NEW" && txn.Dependent == prev.Dependent && txn.Status == domain.StatusPending
		})).Return(nil).Once()

		res, err := comps.service.RetryTransaction(ctx, checkoutID)
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_NEW", res.Transaction.CorrelationID())
		comps.txns.AssertExpectations(t)
		comps.gateway.AssertExpectations(t)
	})

	t.Run("CooldownRefusesSecondRetry", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		prev := storedTxn(checkoutID, domain.StatusPending)
		comps.txns.On("GetByCorrelation", ctx, c).Return(prev, nil).Once()
		comps.cooldown.On("Acquire", ctx, "account:CBO-2024", 30*time.Second).Return(false, nil).Once()

		_, err := comps.service.RetryTransaction(ctx, checkoutID)
		assert.ErrorIs(t, err, domain.ErrRetryCooldown)
		comps.txns.AssertNotCalled(t, "MarkStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		comps.gateway.AssertNotCalled(t, "InitiateSTKPush", mock.Anything, mock.Anything)
	})

	t.Run("CompletedRefused", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(storedTxn(checkoutID, domain.StatusCompleted), nil).Once()

		_, err := comps.service.RetryTransaction(ctx, checkoutID)
		assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
		comps.cooldown.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		comps := setupReconciliationTest(t)
		comps.txns.On("GetByCorrelation", ctx, c).Return(nil, domain.ErrNotFound).Once()

		_, err := comps.service.RetryTransaction(ctx, checkoutID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReconciliationService_CleanupStalePendingTransactions(t *testing.T) {
	ctx := context.Background()
	comps := setupReconciliationTest(t)
	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	comps.service.now = func() time.Time { return now }

	comps.txns.On("MarkStalePendingAbandoned", ctx, now.Add(-24*time.Hour)).Return(int64(3), nil).Once()
	comps.txns.On("MarkStalePendingAbandoned", ctx, now.Add(-24*time.Hour)).Return(int64(0), nil).Once()

	n, err := comps.service.CleanupStalePendingTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = comps.service.CleanupStalePendingTransactions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
