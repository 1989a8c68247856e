package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

type MockMpesaActions struct {
	mock.Mock
}

func (m *MockMpesaActions) Initiate(ctx context.Context, req app.InitiateRequest) (*app.InitiateResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*app.InitiateResult), args.Error(1)
}

func (m *MockMpesaActions) QueryStatus(ctx context.Context, checkoutRequestID string) (*domain.STKQueryResponse, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.STKQueryResponse), args.Error(1)
}

func (m *MockMpesaActions) GetTransaction(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

func (m *MockMpesaActions) HandleCallback(ctx context.Context, checkoutRequestID string, result domain.GatewayResult) error {
	args := m.Called(ctx, checkoutRequestID, result)
	return args.Error(0)
}

type MockReconciliationActions struct {
	mock.Mock
}

func (m *MockReconciliationActions) PollTransactionStatus(ctx context.Context, checkoutRequestID string, cb app.PollCallbacks) (*domain.Transaction, error) {
	args := m.Called(ctx, checkoutRequestID, cb)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Transaction), args.Error(1)
}

func (m *MockReconciliationActions) VerifyAndReconcile(ctx context.Context, checkoutRequestID string, expectedAmount int64) (*app.ReconciliationReport, error) {
	args := m.Called(ctx, checkoutRequestID, expectedAmount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*app.ReconciliationReport), args.Error(1)
}

func (m *MockReconciliationActions) HandleTransactionTimeout(ctx context.Context, checkoutRequestID string) (bool, error) {
	args := m.Called(ctx, checkoutRequestID)
	return args.Bool(0), args.Error(1)
}

func (m *MockReconciliationActions) RetryTransaction(ctx context.Context, checkoutRequestID string) (*app.InitiateResult, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*app.InitiateResult), args.Error(1)
}

type MockPesapalActions struct {
	mock.Mock
}

func (m *MockPesapalActions) SubmitOrder(ctx context.Context, req app.SubmitOrderRequest) (*domain.PesapalOrderResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PesapalOrderResponse), args.Error(1)
}

func (m *MockPesapalActions) GetTransactionStatus(ctx context.Context, orderTrackingID string) (*app.PesapalStatusResult, error) {
	args := m.Called(ctx, orderTrackingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*app.PesapalStatusResult), args.Error(1)
}

func (m *MockPesapalActions) RegisterIPN(ctx context.Context, url, notificationType string) (*domain.PesapalIPN, error) {
	args := m.Called(ctx, url, notificationType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PesapalIPN), args.Error(1)
}

func (m *MockPesapalActions) ListIPNs(ctx context.Context) ([]domain.PesapalIPN, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.PesapalIPN), args.Error(1)
}

func (m *MockPesapalActions) HandleIPN(ctx context.Context, orderTrackingID string) error {
	args := m.Called(ctx, orderTrackingID)
	return args.Error(0)
}

var testJWTSecret = []byte("functions-test-secret")

type handlerTestComponents struct {
	router    http.Handler
	mpesa     *MockMpesaActions
	reconcile *MockReconciliationActions
	pesapal   *MockPesapalActions
	member    uuid.UUID
}

func setupHandlerTest(t *testing.T) *handlerTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &handlerTestComponents{
		mpesa:     new(MockMpesaActions),
		reconcile: new(MockReconciliationActions),
		pesapal:   new(MockPesapalActions),
		member:    uuid.New(),
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	c.router = NewRouter(RouterConfig{
		Functions:      NewFunctionsHandler(c.mpesa, c.reconcile, c.pesapal, validate, logger),
		Callbacks:      NewCallbackHandler(c.mpesa, c.pesapal, logger),
		JWTSecret:      testJWTSecret,
		AllowedOrigins: []string{"https://portal.example.org"},
		Logger:         logger,
	})
	return c
}

func (c *handlerTestComponents) token(t *testing.T, role string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  c.member.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(testJWTSecret)
	require.NoError(t, err)
	return s
}

// call posts body to path, authenticated when token is non-empty.
func (c *handlerTestComponents) call(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	c.router.ServeHTTP(rr, req)
	return rr
}

func strPtr(s string) *string { return &s }
