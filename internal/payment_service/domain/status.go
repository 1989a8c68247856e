package domain

import "strings"

// NormalizeGatewayStatus maps a free-form Pesapal payment_status_description onto a
// TransactionStatus. Matching is a case-insensitive substring test in the order
// completed, failed, reversed, invalid; anything else is pending.
func NormalizeGatewayStatus(raw string) TransactionStatus {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "completed"):
		return StatusCompleted
	case strings.Contains(s, "failed"):
		return StatusFailed
	case strings.Contains(s, "reversed"):
		return StatusReversed
	case strings.Contains(s, "invalid"):
		return StatusInvalid
	default:
		return StatusPending
	}
}

// STK result codes reported by Daraja.
const (
	ResultCodeSuccess          = "0"
	ResultCodeInsufficientFund = "1"
	ResultCodeCancelledByUser  = "1032"
	ResultCodeTimeout          = "1037"
	ResultCodeWrongPIN         = "2001"
)

// StatusFromResultCode maps an STK ResultCode onto a transaction status.
func StatusFromResultCode(code string) TransactionStatus {
	switch strings.TrimSpace(code) {
	case ResultCodeSuccess:
		return StatusCompleted
	case ResultCodeTimeout:
		return StatusTimeout
	case "":
		return StatusPending
	default:
		return StatusFailed
	}
}
