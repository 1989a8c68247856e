package domain

import (
	"regexp"
	"strings"
)

var (
	nonDigits          = regexp.MustCompile(`\D`)
	kenyanMobileFormat = regexp.MustCompile(`^(?:254|0)7\d{8}$`)
)

// NormalizePhoneNumber converts user input into the 254XXXXXXXXX form the gateways expect.
// Non-digits are dropped, a leading 0 becomes 254, an existing 254 prefix is kept and anything
// else gets 254 prepended. Applying it twice yields the same result.
func NormalizePhoneNumber(raw string) string {
	digits := nonDigits.ReplaceAllString(raw, "")
	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, "254"):
		return digits
	case strings.HasPrefix(digits, "0"):
		return "254" + digits[1:]
	default:
		return "254" + digits
	}
}

// ValidatePhone checks a Kenyan mobile number as typed into a form: 07XXXXXXXX or
// 2547XXXXXXXX. Spaces and a leading + are ignored.
func ValidatePhone(raw string) error {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	cleaned = strings.TrimPrefix(cleaned, "+")
	if cleaned == "" {
		return &ValidationError{Field: "phone_number", Message: "Phone number is required"}
	}
	if !kenyanMobileFormat.MatchString(cleaned) {
		return &ValidationError{Field: "phone_number", Message: "Enter a valid M-Pesa number (e.g. 0712345678)"}
	}
	return nil
}
