package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// PesapalConfig holds the account-level settings for hosted checkout.
type PesapalConfig struct {
	IPNID       string
	Currency    string
	CallbackURL string
}

// SubmitOrderRequest is a hosted checkout order for one logical payment.
type SubmitOrderRequest struct {
	// MerchantReference is generated when empty.
	MerchantReference string
	Amount            decimal.Decimal
	Description       string
	CallbackURL       string
	BillingAddress    domain.BillingAddress
	Dependent         *domain.DependentRef
	MemberID          *uuid.UUID
}

// PesapalStatusResult is a normalized GetTransactionStatus answer.
type PesapalStatusResult struct {
	Status      domain.TransactionStatus
	Gateway     *domain.PesapalStatusResponse
	Transaction *domain.Transaction
}

type PesapalService struct {
	gateway  domain.PesapalGateway
	txns     domain.TransactionRepository
	deps     domain.DependentRecordRepository
	recorder *settlementRecorder
	cfg      PesapalConfig
	logger   *slog.Logger
}

func NewPesapalService(
	gateway domain.PesapalGateway,
	txns domain.TransactionRepository,
	deps domain.DependentRecordRepository,
	settlements domain.SettlementRepository,
	events domain.EventPublisher,
	cfg PesapalConfig,
	logger *slog.Logger,
) *PesapalService {
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	log := logger.With("service", "pesapal")
	return &PesapalService{
		gateway:  gateway,
		txns:     txns,
		deps:     deps,
		recorder: &settlementRecorder{settlements: settlements, events: events, logger: log},
		cfg:      cfg,
		logger:   log,
	}
}

// SubmitOrder validates locally, submits the order and stores a pending transaction keyed by
// order_tracking_id. An invalid amount never reaches the gateway.
func (s *PesapalService) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*domain.PesapalOrderResponse, error) {
	if !req.Amount.IsPositive() {
		initiationsCounter.WithLabelValues(string(domain.MethodPesapal), "invalid").Inc()
		return nil, &domain.ValidationError{Field: "amount", Message: "Invalid amount"}
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		initiationsCounter.WithLabelValues(string(domain.MethodPesapal), "invalid").Inc()
		return nil, err
	}
	if s.cfg.IPNID == "" {
		return nil, domain.ErrIPNNotConfigured
	}
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = s.cfg.CallbackURL
	}
	if callbackURL == "" {
		initiationsCounter.WithLabelValues(string(domain.MethodPesapal), "invalid").Inc()
		return nil, &domain.ValidationError{Field: "callbackUrl", Message: "callbackUrl is required when no default is configured"}
	}

	memberID, err := resolveOwner(ctx, s.deps, req.Dependent, req.MemberID)
	if err != nil {
		return nil, err
	}

	merchantRef := req.MerchantReference
	if merchantRef == "" {
		merchantRef = uuid.NewString()
	}
	token, err := s.gateway.GetAccessToken(ctx)
	if err != nil {
		initiationsCounter.WithLabelValues(string(domain.MethodPesapal), "error").Inc()
		return nil, err
	}
	resp, err := s.gateway.SubmitOrder(ctx, token, domain.PesapalOrderRequest{
		ID:             merchantRef,
		Currency:       s.cfg.Currency,
		Amount:         req.Amount,
		Description:    req.Description,
		CallbackURL:    callbackURL,
		NotificationID: s.cfg.IPNID,
		BillingAddress: req.BillingAddress,
	})
	if err != nil {
		outcome := "error"
		switch {
		case domain.IsValidation(err):
			outcome = "invalid"
		case errors.Is(err, domain.ErrInitiationRejected):
			outcome = "rejected"
		}
		initiationsCounter.WithLabelValues(string(domain.MethodPesapal), outcome).Inc()
		return nil, err
	}

	trackingID := resp.OrderTrackingID
	if resp.MerchantReference != "" {
		merchantRef = resp.MerchantReference
	}
	txn := &domain.Transaction{
		OrderTrackingID:   &trackingID,
		MerchantReference: &merchantRef,
		Amount:            req.Amount.IntPart(),
		Currency:          s.cfg.Currency,
		PhoneNumber:       domain.NormalizePhoneNumber(req.BillingAddress.PhoneNumber),
		Method:            domain.MethodPesapal,
		Status:            domain.StatusPending,
		AccountReference:  merchantRef,
		Description:       req.Description,
		MemberID:          memberID,
		Dependent:         req.Dependent,
	}
	if err := s.txns.Create(ctx, txn); err != nil {
		s.logger.ErrorContext(ctx, "Order submitted but transaction not recorded", "order_tracking_id", trackingID, "error", err)
		initiationsCounter.WithLabelValues(string(domain.MethodPesapal), "error").Inc()
		return nil, err
	}

	initiationsCounter.WithLabelValues(string(domain.MethodPesapal), "accepted").Inc()
	s.logger.InfoContext(ctx, "Pesapal order recorded", "order_tracking_id", trackingID, "transaction_id", txn.ID)
	return resp, nil
}

// GetTransactionStatus fetches the order status and stores it. A terminal status settles the
// transaction and its dependent record in one unit; any other status is recorded with the payment
// method seen so far.
func (s *PesapalService) GetTransactionStatus(ctx context.Context, orderTrackingID string) (*PesapalStatusResult, error) {
	if orderTrackingID == "" {
		return nil, &domain.ValidationError{Field: "order_tracking_id", Message: "required"}
	}
	token, err := s.gateway.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.gateway.GetTransactionStatus(ctx, token, orderTrackingID)
	if err != nil {
		return nil, err
	}

	status := domain.NormalizeGatewayStatus(resp.PaymentStatusDescription)
	out := &PesapalStatusResult{Status: status, Gateway: resp}
	if !status.IsTerminal() {
		updated, err := s.txns.RecordProgress(ctx, domain.ByOrderTracking(orderTrackingID), status, resp.PaymentMethod, resp.PaymentStatusDescription)
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "Pesapal order not yet final", "order_tracking_id", orderTrackingID,
			"gateway_status", resp.PaymentStatusDescription, "payment_method", resp.PaymentMethod, "updated", updated)
		return out, nil
	}

	result := domain.GatewayResult{
		Status:        status,
		PaymentMethod: resp.PaymentMethod,
		ResultCode:    strconv.Itoa(resp.StatusCode),
		ResultDesc:    resp.PaymentStatusDescription,
		Amount:        resp.Amount.IntPart(),
	}
	if status == domain.StatusCompleted {
		result.Receipt = resp.ConfirmationCode
	}

	outcome, err := s.recorder.record(ctx, sourceStatusQuery, domain.ByOrderTracking(orderTrackingID), result)
	if err != nil {
		return nil, err
	}
	out.Transaction = outcome.Transaction
	if status == domain.StatusCompleted && !domain.AmountsMatch(outcome.Transaction.Amount, resp.Amount) {
		s.logger.WarnContext(ctx, "Pesapal reported amount differs from stored amount",
			"order_tracking_id", orderTrackingID, "stored", outcome.Transaction.Amount, "reported", resp.Amount.String())
	}
	return out, nil
}

// HandleIPN processes one IPN notification by re-reading the order status.
func (s *PesapalService) HandleIPN(ctx context.Context, orderTrackingID string) error {
	res, err := s.GetTransactionStatus(ctx, orderTrackingID)
	if err != nil {
		s.logger.ErrorContext(ctx, "IPN processing failed", "order_tracking_id", orderTrackingID, "error", err)
		return err
	}
	s.logger.InfoContext(ctx, "IPN processed", "order_tracking_id", orderTrackingID, "status", res.Status)
	return nil
}

// RegisterIPN registers an IPN endpoint. The returned ipn_id belongs in configuration.
func (s *PesapalService) RegisterIPN(ctx context.Context, url, notificationType string) (*domain.PesapalIPN, error) {
	if url == "" {
		return nil, &domain.ValidationError{Field: "url", Message: "required"}
	}
	token, err := s.gateway.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.gateway.RegisterIPN(ctx, token, url, notificationType)
}

func (s *PesapalService) ListIPNs(ctx context.Context) ([]domain.PesapalIPN, error) {
	token, err := s.gateway.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.gateway.ListIPNs(ctx, token)
}
