package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

const MaxRequestBodySize = 1 << 20 // 1 MB

var errUnauthenticated = errors.New("authentication required")

func writeJSON(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WarnContext(ctx, "Failed to write response", "error", err)
	}
}

// writeError maps service errors onto HTTP status codes. Rejections carry the gateway's own
// description so the member sees why the prompt was refused.
func writeError(ctx context.Context, w http.ResponseWriter, logger *slog.Logger, err error, operation string) {
	var (
		invalid    *domain.ValidationError
		rejected   *domain.RejectedError
		validation validator.ValidationErrors
		syntax     *json.SyntaxError
		typeErr    *json.UnmarshalTypeError
		tooLarge   *http.MaxBytesError
	)
	log := logger.With("operation", operation, "error", err)

	body := ErrorResponseDTO{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
		body.Error = "Request body too large"
	case errors.As(err, &syntax), errors.As(err, &typeErr):
		status = http.StatusBadRequest
		body.Error = "Invalid request body"
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Error = "Validation error: " + validation.Error()
		if len(validation) > 0 {
			body.Field = validation[0].Field()
		}
	case errors.Is(err, domain.ErrUnknownAction):
		status = http.StatusBadRequest
	case errors.Is(err, errUnauthenticated):
		status = http.StatusUnauthorized
	case errors.As(err, &invalid):
		status = http.StatusUnprocessableEntity
		body.Error = invalid.Message
		body.Field = invalid.Field
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		body.Error = "Transaction not found"
	case errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrAlreadyCompleted), errors.Is(err, domain.ErrIPNNotConfigured):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRetryCooldown):
		status = http.StatusTooManyRequests
	case errors.As(err, &rejected):
		status = http.StatusBadGateway
		body.Error = rejected.Description
		body.Code = rejected.ResponseCode
	case errors.Is(err, domain.ErrGateway):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
		body.Error = "Request timed out"
	default:
		body.Error = "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "Function call failed", "status", status)
	} else {
		log.WarnContext(ctx, "Function call refused", "status", status)
	}
	writeJSON(ctx, w, logger, status, body)
}
