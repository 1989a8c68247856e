package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus is the lifecycle state of one gateway charge attempt.
type TransactionStatus string

const (
	StatusPending          TransactionStatus = "pending"
	StatusAwaitingApproval TransactionStatus = "awaiting_approval"
	StatusCompleted        TransactionStatus = "completed"
	StatusFailed           TransactionStatus = "failed"
	StatusReversed         TransactionStatus = "reversed"
	StatusInvalid          TransactionStatus = "invalid"
	StatusTimeout          TransactionStatus = "timeout"
	StatusAbandoned        TransactionStatus = "abandoned"
)

// NonTerminalStatuses are the states a write is allowed to move away from.
// timeout and abandoned stay open so a late callback can still complete the row.
var NonTerminalStatuses = []TransactionStatus{
	StatusPending,
	StatusAwaitingApproval,
	StatusTimeout,
	StatusAbandoned,
}

// IsTerminal reports whether the status can never change again.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusReversed, StatusInvalid:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a row in status s may be rewritten to next.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return s != next
}

func (s TransactionStatus) String() string { return string(s) }

// Value implements the driver.Valuer interface for TransactionStatus.
func (s TransactionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for TransactionStatus.
func (s *TransactionStatus) Scan(value interface{}) error {
	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		return fmt.Errorf("failed to scan TransactionStatus: unexpected type %T", value)
	}
	switch TransactionStatus(str) {
	case StatusPending, StatusAwaitingApproval, StatusCompleted, StatusFailed,
		StatusReversed, StatusInvalid, StatusTimeout, StatusAbandoned:
		*s = TransactionStatus(str)
		return nil
	default:
		return fmt.Errorf("unknown TransactionStatus value: %s", str)
	}
}

// Method identifies how the charge was initiated.
type Method string

const (
	MethodSTK     Method = "stk"
	MethodTill    Method = "till"
	MethodPesapal Method = "pesapal"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m == MethodSTK || m == MethodTill || m == MethodPesapal
}

// Transaction is one row per gateway-initiated charge attempt.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	CheckoutRequestID *string           `json:"checkout_request_id,omitempty"`
	MerchantRequestID *string           `json:"merchant_request_id,omitempty"`
	OrderTrackingID   *string           `json:"order_tracking_id,omitempty"`
	MerchantReference *string           `json:"merchant_reference,omitempty"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	PhoneNumber       string            `json:"phone_number,omitempty"`
	Method            Method            `json:"method"`
	Status            TransactionStatus `json:"status"`
	Receipt           *string           `json:"mpesa_receipt,omitempty"`
	PaymentMethod     *string           `json:"payment_method,omitempty"`
	ResultCode        *string           `json:"result_code,omitempty"`
	ResultDesc        *string           `json:"result_desc,omitempty"`
	AccountReference  string            `json:"account_reference,omitempty"`
	Description       string            `json:"description,omitempty"`
	MemberID          *uuid.UUID        `json:"member_id,omitempty"`
	Dependent         *DependentRef     `json:"dependent,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	VerifiedAt        *time.Time        `json:"verified_at,omitempty"`
}

// CorrelationID returns the gateway join key for the row.
func (t *Transaction) CorrelationID() string {
	switch {
	case t.CheckoutRequestID != nil:
		return *t.CheckoutRequestID
	case t.OrderTrackingID != nil:
		return *t.OrderTrackingID
	default:
		return ""
	}
}

// HasReceipt reports whether a non-empty receipt/confirmation code is recorded.
func (t *Transaction) HasReceipt() bool {
	return t.Receipt != nil && *t.Receipt != ""
}

// CorrelationKind selects which correlation column a lookup uses.
type CorrelationKind string

const (
	CorrelationCheckoutRequest CorrelationKind = "checkout_request_id"
	CorrelationOrderTracking   CorrelationKind = "order_tracking_id"
)

// Correlation identifies a transaction by its gateway-issued id.
type Correlation struct {
	Kind CorrelationKind
	ID   string
}

// ByCheckoutRequest builds an M-Pesa correlation.
func ByCheckoutRequest(id string) Correlation {
	return Correlation{Kind: CorrelationCheckoutRequest, ID: id}
}

// ByOrderTracking builds a Pesapal correlation.
func ByOrderTracking(id string) Correlation {
	return Correlation{Kind: CorrelationOrderTracking, ID: id}
}

// GatewayResult is what a callback, IPN or status query reports about a transaction.
type GatewayResult struct {
	Status        TransactionStatus
	Receipt       string
	PaymentMethod string
	ResultCode    string
	ResultDesc    string
	PhoneNumber   string
	// Amount is the gateway-reported amount, zero when unknown. It is never written
	// back onto the transaction; amount is immutable after creation.
	Amount int64
}
