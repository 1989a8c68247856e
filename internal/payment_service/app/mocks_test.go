package app

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	args := m.Called(ctx, txn)
	return args.Error(0)
}

func (m *MockTransactionRepository) GetByCorrelation(ctx context.Context, c domain.Correlation) (*domain.Transaction, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) MarkStatus(ctx context.Context, c domain.Correlation, status domain.TransactionStatus, reason string) (bool, error) {
	args := m.Called(ctx, c, status, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransactionRepository) RecordProgress(ctx context.Context, c domain.Correlation, status domain.TransactionStatus, paymentMethod, reason string) (bool, error) {
	args := m.Called(ctx, c, status, paymentMethod, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockTransactionRepository) MarkStalePendingAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type MockDependentRecordRepository struct {
	mock.Mock
}

func (m *MockDependentRecordRepository) Get(ctx context.Context, ref domain.DependentRef) (*domain.DependentRecord, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DependentRecord), args.Error(1)
}

func (m *MockDependentRecordRepository) Reopen(ctx context.Context, ref domain.DependentRef) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

type MockSettlementRepository struct {
	mock.Mock
}

func (m *MockSettlementRepository) Settle(ctx context.Context, c domain.Correlation, result domain.GatewayResult) (*domain.SettlementOutcome, error) {
	args := m.Called(ctx, c, result)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SettlementOutcome), args.Error(1)
}

type MockMpesaGateway struct {
	mock.Mock
}

func (m *MockMpesaGateway) InitiateSTKPush(ctx context.Context, req domain.STKPushRequest) (*domain.STKPushResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.STKPushResponse), args.Error(1)
}

func (m *MockMpesaGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*domain.STKQueryResponse, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.STKQueryResponse), args.Error(1)
}

type MockPesapalGateway struct {
	mock.Mock
}

func (m *MockPesapalGateway) GetAccessToken(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPesapalGateway) SubmitOrder(ctx context.Context, token string, req domain.PesapalOrderRequest) (*domain.PesapalOrderResponse, error) {
	args := m.Called(ctx, token, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PesapalOrderResponse), args.Error(1)
}

func (m *MockPesapalGateway) GetTransactionStatus(ctx context.Context, token, orderTrackingID string) (*domain.PesapalStatusResponse, error) {
	args := m.Called(ctx, token, orderTrackingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PesapalStatusResponse), args.Error(1)
}

func (m *MockPesapalGateway) RegisterIPN(ctx context.Context, token, url, notificationType string) (*domain.PesapalIPN, error) {
	args := m.Called(ctx, token, url, notificationType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PesapalIPN), args.Error(1)
}

func (m *MockPesapalGateway) ListIPNs(ctx context.Context, token string) ([]domain.PesapalIPN, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PesapalIPN), args.Error(1)
}

type MockCooldownStore struct {
	mock.Mock
}

func (m *MockCooldownStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishTransactionEvent(ctx context.Context, evt domain.TransactionEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}
