package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/mpesa"
	"github.com/cbo-portal/golang_services/internal/payment_service/adapters/pesapal"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// STKCallbackProcessor applies a parsed Daraja result.
type STKCallbackProcessor interface {
	HandleCallback(ctx context.Context, checkoutRequestID string, result domain.GatewayResult) error
}

// IPNProcessor refreshes an order after a Pesapal notification.
type IPNProcessor interface {
	HandleIPN(ctx context.Context, orderTrackingID string) error
}

// CallbackHandler receives asynchronous gateway notifications.
type CallbackHandler struct {
	stk    STKCallbackProcessor
	ipn    IPNProcessor
	logger *slog.Logger
}

func NewCallbackHandler(stk STKCallbackProcessor, ipn IPNProcessor, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		stk:    stk,
		ipn:    ipn,
		logger: logger.With("component", "callback_handler"),
	}
}

// HandleSTKCallback receives POST /callbacks/mpesa/stk. Once the payload parses, Daraja is always
// acknowledged unless the store failed, in which case a 500 makes it redeliver.
func (h *CallbackHandler) HandleSTKCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	rawPayload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read STK callback body", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "Error reading request body", http.StatusBadRequest)
		}
		return
	}

	cb, err := mpesa.ParseSTKCallback(rawPayload)
	if err != nil {
		logger.WarnContext(ctx, "Malformed STK callback", "error", err, "payload_size", len(rawPayload))
		http.Error(w, "Malformed callback", http.StatusBadRequest)
		return
	}
	logger = logger.With("checkout_request_id", cb.CheckoutRequestID, "result_code", cb.Result.ResultCode)
	logger.InfoContext(ctx, "Received STK callback", "remote_addr", r.RemoteAddr)

	if err := h.stk.HandleCallback(ctx, cb.CheckoutRequestID, cb.Result); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.ErrorContext(ctx, "Error processing STK callback", "error", err)
			writeJSON(ctx, w, logger, http.StatusInternalServerError, mpesa.CallbackAck{ResultCode: 1, ResultDesc: "Rejected"})
			return
		}
		logger.WarnContext(ctx, "STK callback for unknown checkout request")
	}
	writeJSON(ctx, w, logger, http.StatusOK, mpesa.Accepted)
}

// HandleIPN receives GET|POST /callbacks/pesapal/ipn.
func (h *CallbackHandler) HandleIPN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	var (
		n   *pesapal.IPNNotification
		err error
	)
	switch r.Method {
	case http.MethodGet:
		n, err = pesapal.ParseIPNQuery(r.URL.Query())
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		var body []byte
		if body, err = io.ReadAll(r.Body); err == nil {
			n, err = pesapal.ParseIPNBody(body)
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		logger.WarnContext(ctx, "Malformed IPN", "method", r.Method, "error", err)
		http.Error(w, "Malformed IPN", http.StatusBadRequest)
		return
	}

	logger = logger.With("order_tracking_id", n.OrderTrackingID, "notification_type", n.OrderNotificationType)
	err = h.ipn.HandleIPN(ctx, n.OrderTrackingID)
	if err != nil {
		logger.ErrorContext(ctx, "Error processing IPN", "error", err)
	} else {
		logger.InfoContext(ctx, "IPN processed")
	}
	writeJSON(ctx, w, logger, http.StatusOK, pesapal.NewIPNAck(n, err == nil))
}
