package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	MinAmount int64 = 1
	MaxAmount int64 = 150000
)

var (
	minAmountDec = decimal.NewFromInt(MinAmount)
	maxAmountDec = decimal.NewFromInt(MaxAmount)
)

// ValidateAmount accepts whole shilling amounts between MinAmount and MaxAmount inclusive.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsInteger() {
		return &ValidationError{Field: "amount", Message: "Amount must be a whole number"}
	}
	if amount.LessThan(minAmountDec) {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("Minimum amount is KES %d", MinAmount)}
	}
	if amount.GreaterThan(maxAmountDec) {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("Maximum amount is KES %d", MaxAmount)}
	}
	return nil
}

// ParseAmount parses form or gateway input into whole shillings and validates the range.
func ParseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{Field: "amount", Message: "Amount is required"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &ValidationError{Field: "amount", Message: "Amount must be a number"}
	}
	if err := ValidateAmount(d); err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

// AmountsMatch compares a stored whole-shilling amount with a gateway-reported one.
func AmountsMatch(stored int64, reported decimal.Decimal) bool {
	return decimal.NewFromInt(stored).Equal(reported)
}
