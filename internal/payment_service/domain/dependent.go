package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// DependentKind names the application entity a transaction settles.
type DependentKind string

const (
	DependentContribution        DependentKind = "contribution"
	DependentWelfareContribution DependentKind = "welfare_contribution"
	DependentDonation            DependentKind = "donation"
)

// Valid reports whether k is a known dependent kind.
func (k DependentKind) Valid() bool {
	switch k {
	case DependentContribution, DependentWelfareContribution, DependentDonation:
		return true
	}
	return false
}

// SettledStatus is the status value the dependent table uses once paid.
func (k DependentKind) SettledStatus() DependentStatus {
	if k == DependentWelfareContribution {
		return DependentStatusCompleted
	}
	return DependentStatusPaid
}

// DependentRef links a transaction to exactly one dependent record.
type DependentRef struct {
	Kind DependentKind `json:"kind"`
	ID   uuid.UUID     `json:"id"`
}

func (r DependentRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// DependentStatus is the status column of contributions, welfare contributions and donations.
type DependentStatus string

const (
	DependentStatusPending   DependentStatus = "pending"
	DependentStatusPaid      DependentStatus = "paid"
	DependentStatusCompleted DependentStatus = "completed"
	DependentStatusFailed    DependentStatus = "failed"
)

// IsSettled reports a paid/completed dependent record.
func (s DependentStatus) IsSettled() bool {
	return s == DependentStatusPaid || s == DependentStatusCompleted
}

// DependentRecord is the slice of a dependent row that reconciliation reads.
type DependentRecord struct {
	Ref             DependentRef
	MemberID        *uuid.UUID
	Amount          int64
	Status          DependentStatus
	ReferenceNumber *string
}
