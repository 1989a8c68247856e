package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

const defaultCurrency = "KES"

// InitiateRequest is an STK push for one logical payment.
type InitiateRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	Description      string
	Method           domain.Method
	Dependent        *domain.DependentRef
	// MemberID is the authenticated caller, nil for anonymous donors.
	MemberID *uuid.UUID
}

// InitiateResult is returned once the prompt is on the customer's handset.
type InitiateResult struct {
	Transaction     *domain.Transaction
	CustomerMessage string
}

// stkAttempt carries everything needed to push (or re-push) one charge.
type stkAttempt struct {
	phone            string
	amount           int64
	accountReference string
	description      string
	method           domain.Method
	memberID         *uuid.UUID
	dependent        *domain.DependentRef
}

// stkInitiator pushes a prompt and records the pending transaction. It is shared by first
// attempts and retries.
type stkInitiator struct {
	gateway domain.MpesaGateway
	txns    domain.TransactionRepository
	logger  *slog.Logger
}

func (i *stkInitiator) start(ctx context.Context, a stkAttempt) (*InitiateResult, error) {
	resp, err := i.gateway.InitiateSTKPush(ctx, domain.STKPushRequest{
		PhoneNumber:      a.phone,
		Amount:           a.amount,
		AccountReference: a.accountReference,
		TransactionDesc:  a.description,
		Method:           a.method,
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrInitiationRejected) {
			outcome = "rejected"
		}
		initiationsCounter.WithLabelValues(string(a.method), outcome).Inc()
		return nil, err
	}
	if !resp.Accepted() {
		initiationsCounter.WithLabelValues(string(a.method), "rejected").Inc()
		desc := resp.ResponseDescription
		if desc == "" {
			desc = resp.CustomerMessage
		}
		i.logger.WarnContext(ctx, "STK push rejected", "response_code", resp.ResponseCode, "description", desc)
		return nil, &domain.RejectedError{ResponseCode: resp.ResponseCode, Description: desc}
	}

	checkoutID := resp.CheckoutRequestID
	merchantID := resp.MerchantRequestID
	txn := &domain.Transaction{
		CheckoutRequestID: &checkoutID,
		MerchantRequestID: &merchantID,
		Amount:            a.amount,
		Currency:          defaultCurrency,
		PhoneNumber:       a.phone,
		Method:            a.method,
		Status:            domain.StatusPending,
		AccountReference:  a.accountReference,
		Description:       a.description,
		MemberID:          a.memberID,
		Dependent:         a.dependent,
	}
	if err := i.txns.Create(ctx, txn); err != nil {
		// The prompt is already on the handset; the callback will find no row.
		i.logger.ErrorContext(ctx, "STK push accepted but transaction not recorded", "checkout_request_id", checkoutID, "error", err)
		initiationsCounter.WithLabelValues(string(a.method), "error").Inc()
		return nil, fmt.Errorf("record transaction %s: %w", checkoutID, err)
	}

	initiationsCounter.WithLabelValues(string(a.method), "accepted").Inc()
	i.logger.InfoContext(ctx, "STK push accepted", "checkout_request_id", checkoutID, "transaction_id", txn.ID, "method", a.method)
	return &InitiateResult{Transaction: txn, CustomerMessage: resp.CustomerMessage}, nil
}

// MpesaService backs the /functions/mpesa actions and the Daraja callback.
type MpesaService struct {
	gateway   domain.MpesaGateway
	txns      domain.TransactionRepository
	deps      domain.DependentRecordRepository
	initiator *stkInitiator
	recorder  *settlementRecorder
	logger    *slog.Logger
}

func NewMpesaService(
	gateway domain.MpesaGateway,
	txns domain.TransactionRepository,
	deps domain.DependentRecordRepository,
	settlements domain.SettlementRepository,
	events domain.EventPublisher,
	logger *slog.Logger,
) *MpesaService {
	log := logger.With("service", "mpesa")
	return &MpesaService{
		gateway:   gateway,
		txns:      txns,
		deps:      deps,
		initiator: &stkInitiator{gateway: gateway, txns: txns, logger: log},
		recorder:  &settlementRecorder{settlements: settlements, events: events, logger: log},
		logger:    log,
	}
}

// Initiate validates the input, checks the caller owns the record being paid, sends the STK push
// and stores a pending transaction keyed by the CheckoutRequestID.
func (s *MpesaService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	method := req.Method
	if method == "" {
		method = domain.MethodSTK
	}
	if method != domain.MethodSTK && method != domain.MethodTill {
		return nil, &domain.ValidationError{Field: "method", Message: fmt.Sprintf("unsupported M-Pesa method %q", method)}
	}
	if err := domain.ValidatePhone(req.PhoneNumber); err != nil {
		initiationsCounter.WithLabelValues(string(method), "invalid").Inc()
		return nil, err
	}
	if err := domain.ValidateAmount(decimal.NewFromInt(req.Amount)); err != nil {
		initiationsCounter.WithLabelValues(string(method), "invalid").Inc()
		return nil, err
	}

	memberID, err := resolveOwner(ctx, s.deps, req.Dependent, req.MemberID)
	if err != nil {
		return nil, err
	}

	accountRef := req.AccountReference
	if accountRef == "" && req.Dependent != nil {
		accountRef = req.Dependent.ID.String()
	}
	return s.initiator.start(ctx, stkAttempt{
		phone:            domain.NormalizePhoneNumber(req.PhoneNumber),
		amount:           req.Amount,
		accountReference: accountRef,
		description:      req.Description,
		method:           method,
		memberID:         memberID,
		dependent:        req.Dependent,
	})
}

// QueryStatus asks Daraja directly. Nothing is written.
func (s *MpesaService) QueryStatus(ctx context.Context, checkoutRequestID string) (*domain.STKQueryResponse, error) {
	if checkoutRequestID == "" {
		return nil, &domain.ValidationError{Field: "checkout_request_id", Message: "required"}
	}
	return s.gateway.QueryStatus(ctx, checkoutRequestID)
}

// GetTransaction returns the stored row for a checkout request.
func (s *MpesaService) GetTransaction(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error) {
	return s.txns.GetByCorrelation(ctx, domain.ByCheckoutRequest(checkoutRequestID))
}

// HandleCallback applies a Daraja STK result. Terminal results are settled together with the
// dependent record; a timeout only marks the row. Unknown checkout ids return ErrNotFound.
func (s *MpesaService) HandleCallback(ctx context.Context, checkoutRequestID string, result domain.GatewayResult) error {
	c := domain.ByCheckoutRequest(checkoutRequestID)

	if !result.Status.IsTerminal() {
		updated, err := s.txns.MarkStatus(ctx, c, result.Status, result.ResultDesc)
		if err != nil {
			return err
		}
		if !updated {
			if _, err := s.txns.GetByCorrelation(ctx, c); errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		s.logger.InfoContext(ctx, "Callback recorded non-terminal result", "checkout_request_id", checkoutRequestID, "status", result.Status, "updated", updated)
		return nil
	}

	if result.Status == domain.StatusCompleted && result.Receipt == "" {
		s.logger.WarnContext(ctx, "Completed callback carried no receipt", "checkout_request_id", checkoutRequestID)
	}
	_, err := s.recorder.record(ctx, sourceCallback, c, result)
	return err
}
