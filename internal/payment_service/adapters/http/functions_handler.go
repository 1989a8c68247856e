package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
	"github.com/cbo-portal/golang_services/internal/payment_service/middleware"
)

// MpesaActions is the part of app.MpesaService the functions need.
type MpesaActions interface {
	Initiate(ctx context.Context, req app.InitiateRequest) (*app.InitiateResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*domain.STKQueryResponse, error)
	GetTransaction(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error)
}

// ReconciliationActions is the part of app.ReconciliationService the functions need.
type ReconciliationActions interface {
	PollTransactionStatus(ctx context.Context, checkoutRequestID string, cb app.PollCallbacks) (*domain.Transaction, error)
	VerifyAndReconcile(ctx context.Context, checkoutRequestID string, expectedAmount int64) (*app.ReconciliationReport, error)
	HandleTransactionTimeout(ctx context.Context, checkoutRequestID string) (bool, error)
	RetryTransaction(ctx context.Context, checkoutRequestID string) (*app.InitiateResult, error)
}

// PesapalActions is the part of app.PesapalService the functions need.
type PesapalActions interface {
	SubmitOrder(ctx context.Context, req app.SubmitOrderRequest) (*domain.PesapalOrderResponse, error)
	GetTransactionStatus(ctx context.Context, orderTrackingID string) (*app.PesapalStatusResult, error)
	RegisterIPN(ctx context.Context, url, notificationType string) (*domain.PesapalIPN, error)
	ListIPNs(ctx context.Context) ([]domain.PesapalIPN, error)
}

type actionFunc func(ctx context.Context, payload []byte) (int, interface{}, error)

// FunctionsHandler serves the two action-dispatched payment functions.
type FunctionsHandler struct {
	mpesa     MpesaActions
	reconcile ReconciliationActions
	pesapal   PesapalActions
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewFunctionsHandler(mpesa MpesaActions, reconcile ReconciliationActions, pesapal PesapalActions, validate *validator.Validate, logger *slog.Logger) *FunctionsHandler {
	return &FunctionsHandler{
		mpesa:     mpesa,
		reconcile: reconcile,
		pesapal:   pesapal,
		validate:  validate,
		logger:    logger.With("component", "functions_handler"),
	}
}

// Mpesa handles POST /functions/mpesa.
func (h *FunctionsHandler) Mpesa(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, "mpesa", map[string]actionFunc{
		"initiate": h.initiate,
		"query":    h.query,
		"poll":     h.poll,
		"verify":   h.verify,
		"retry":    h.retry,
		"timeout":  h.timeout,
	})
}

// Pesapal handles POST /functions/pesapal.
func (h *FunctionsHandler) Pesapal(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, "pesapal", map[string]actionFunc{
		"submit-order": h.submitOrder,
		"get-status":   h.getStatus,
		"register-ipn": h.registerIPN,
		"list-ipns":    h.listIPNs,
	})
}

func (h *FunctionsHandler) dispatch(w http.ResponseWriter, r *http.Request, function string, actions map[string]actionFunc) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx), "function", function)

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(ctx, w, logger, err, function)
		return
	}

	var env ActionEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		writeError(ctx, w, logger, err, function)
		return
	}
	if err := h.validate.StructCtx(ctx, env); err != nil {
		writeError(ctx, w, logger, err, function)
		return
	}
	action, ok := actions[env.Action]
	if !ok {
		writeError(ctx, w, logger, unknownAction(env.Action), function)
		return
	}

	operation := function + "." + env.Action
	status, body, err := action(ctx, payload)
	if err != nil {
		writeError(ctx, w, logger, err, operation)
		return
	}
	logger.InfoContext(ctx, "Function call handled", "action", env.Action, "status", status)
	writeJSON(ctx, w, logger, status, body)
}

// decode reads the action's parameters out of the envelope payload and validates them.
func (h *FunctionsHandler) decode(ctx context.Context, payload []byte, dst interface{}) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return err
	}
	return h.validate.StructCtx(ctx, dst)
}

// payer returns the authenticated member. Only donations may be paid anonymously.
func payer(ctx context.Context, ref *domain.DependentRef) (*uuid.UUID, error) {
	memberID := middleware.MemberID(ctx)
	if memberID == nil && (ref == nil || ref.Kind != domain.DependentDonation) {
		return nil, errUnauthenticated
	}
	return memberID, nil
}

// authorizeTransaction loads the transaction behind checkoutRequestID and refuses callers other
// than its member. Anonymous donations are open to whoever holds the checkout id.
func (h *FunctionsHandler) authorizeTransaction(ctx context.Context, checkoutRequestID string) (*domain.Transaction, error) {
	txn, err := h.mpesa.GetTransaction(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if txn.MemberID == nil {
		return txn, nil
	}
	memberID := middleware.MemberID(ctx)
	if memberID == nil {
		return nil, errUnauthenticated
	}
	if *memberID != *txn.MemberID {
		return nil, domain.ErrForbidden
	}
	return txn, nil
}

// visibleTransaction hides the payer's phone number and member id from anyone but the member
// who owns txn.
func visibleTransaction(ctx context.Context, txn *domain.Transaction) *domain.Transaction {
	if txn == nil {
		return nil
	}
	caller := middleware.MemberID(ctx)
	if caller != nil && txn.MemberID != nil && *caller == *txn.MemberID {
		return txn
	}
	masked := *txn
	masked.PhoneNumber = maskPhone(txn.PhoneNumber)
	masked.MemberID = nil
	return &masked
}

// maskPhone keeps the country and network prefix and the last two digits.
func maskPhone(phone string) string {
	if len(phone) <= 6 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}

func (h *FunctionsHandler) initiate(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req InitiateRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	ref, err := req.Ref()
	if err != nil {
		return 0, nil, err
	}
	memberID, err := payer(ctx, ref)
	if err != nil {
		return 0, nil, err
	}
	res, err := h.mpesa.Initiate(ctx, app.InitiateRequest{
		PhoneNumber:      req.PhoneNumber,
		Amount:           req.Amount,
		AccountReference: req.AccountReference,
		Description:      req.TransactionDesc,
		Method:           domain.Method(req.Method),
		Dependent:        ref,
		MemberID:         memberID,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, NewInitiateResponseDTO(res), nil
}

func (h *FunctionsHandler) query(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req CheckoutRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	if _, err := h.authorizeTransaction(ctx, req.CheckoutRequestID); err != nil {
		return 0, nil, err
	}
	resp, err := h.mpesa.QueryStatus(ctx, req.CheckoutRequestID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (h *FunctionsHandler) poll(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req CheckoutRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	if _, err := h.authorizeTransaction(ctx, req.CheckoutRequestID); err != nil {
		return 0, nil, err
	}
	var (
		progress string
		failure  error
	)
	txn, err := h.reconcile.PollTransactionStatus(ctx, req.CheckoutRequestID, app.PollCallbacks{
		OnStatusChange: func(p string) { progress = p },
		OnError:        func(err error) { failure = err },
	})
	if err != nil {
		return 0, nil, err
	}
	resp := PollResponseDTO{Transaction: visibleTransaction(ctx, txn), Message: progress}
	switch {
	case txn != nil:
		resp.Resolved = txn.Status.IsTerminal()
		resp.Status = string(txn.Status)
		resp.Message = ""
	case failure != nil:
		resp.Resolved = true
		resp.Status = string(domain.StatusFailed)
		resp.Message = failure.Error()
	default:
		resp.Message = "Payment not yet confirmed. Check your phone and try again shortly."
	}
	return http.StatusOK, resp, nil
}

func (h *FunctionsHandler) verify(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req VerifyRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	if _, err := h.authorizeTransaction(ctx, req.CheckoutRequestID); err != nil {
		return 0, nil, err
	}
	report, err := h.reconcile.VerifyAndReconcile(ctx, req.CheckoutRequestID, req.ExpectedAmount)
	if err != nil {
		return 0, nil, err
	}
	out := *report
	out.Transaction = visibleTransaction(ctx, report.Transaction)
	return http.StatusOK, out, nil
}

func (h *FunctionsHandler) retry(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req CheckoutRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	if _, err := h.authorizeTransaction(ctx, req.CheckoutRequestID); err != nil {
		return 0, nil, err
	}
	res, err := h.reconcile.RetryTransaction(ctx, req.CheckoutRequestID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, NewInitiateResponseDTO(res), nil
}

func (h *FunctionsHandler) timeout(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req CheckoutRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	if _, err := h.authorizeTransaction(ctx, req.CheckoutRequestID); err != nil {
		return 0, nil, err
	}
	updated, err := h.reconcile.HandleTransactionTimeout(ctx, req.CheckoutRequestID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, TimeoutResponseDTO{CheckoutRequestID: req.CheckoutRequestID, Updated: updated}, nil
}

func (h *FunctionsHandler) submitOrder(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req SubmitOrderRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	ref, err := req.Ref()
	if err != nil {
		return 0, nil, err
	}
	memberID, err := payer(ctx, ref)
	if err != nil {
		return 0, nil, err
	}
	resp, err := h.pesapal.SubmitOrder(ctx, app.SubmitOrderRequest{
		MerchantReference: req.MerchantReference,
		Amount:            req.Amount,
		Description:       req.Description,
		CallbackURL:       req.CallbackURL,
		BillingAddress:    req.BillingAddress,
		Dependent:         ref,
		MemberID:          memberID,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, resp, nil
}

func (h *FunctionsHandler) getStatus(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req OrderTrackingRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	res, err := h.pesapal.GetTransactionStatus(ctx, req.OrderTrackingID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, PesapalStatusResponseDTO{Status: res.Status, Gateway: res.Gateway, Transaction: visibleTransaction(ctx, res.Transaction)}, nil
}

func (h *FunctionsHandler) registerIPN(ctx context.Context, payload []byte) (int, interface{}, error) {
	var req RegisterIPNRequestDTO
	if err := h.decode(ctx, payload, &req); err != nil {
		return 0, nil, err
	}
	if err := h.requireAdmin(ctx); err != nil {
		return 0, nil, err
	}
	notificationType := req.NotificationType
	if notificationType == "" {
		notificationType = http.MethodGet
	}
	ipn, err := h.pesapal.RegisterIPN(ctx, req.URL, notificationType)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, ipn, nil
}

func (h *FunctionsHandler) listIPNs(ctx context.Context, _ []byte) (int, interface{}, error) {
	if err := h.requireAdmin(ctx); err != nil {
		return 0, nil, err
	}
	ipns, err := h.pesapal.ListIPNs(ctx)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, IPNListResponseDTO{IPNs: ipns}, nil
}

// requireAdmin limits IPN management to administrators.
func (h *FunctionsHandler) requireAdmin(ctx context.Context) error {
	m := middleware.MemberFromContext(ctx)
	if m == nil {
		return errUnauthenticated
	}
	if m.Role != middleware.RoleAdmin {
		return domain.ErrForbidden
	}
	return nil
}
