package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("transaction with this correlation id already exists")
	ErrForbidden          = errors.New("member does not own the referenced record")
	ErrInitiationRejected = errors.New("payment initiation rejected by gateway")
	ErrGateway            = errors.New("payment gateway error")
	ErrIPNNotConfigured   = errors.New("pesapal IPN id is not configured; register an IPN URL first")
	ErrAlreadyCompleted   = errors.New("transaction already completed")
	ErrRetryCooldown      = errors.New("retry attempted too soon; wait before retrying")
	ErrUnknownAction      = errors.New("unknown action")
	ErrPaymentFailed      = errors.New("payment was not completed")
)

// ValidationError is a local input check failure; it never involves a network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// RejectedError carries the gateway's own description for a refused initiation.
type RejectedError struct {
	ResponseCode string
	Description  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (code %s): %s", e.ResponseCode, e.Description)
}

func (e *RejectedError) Unwrap() error { return ErrInitiationRejected }
