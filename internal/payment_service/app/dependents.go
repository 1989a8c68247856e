package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// resolveOwner loads the record a payment is for and checks the caller may pay it.
// Records without an owner (anonymous donations) may be paid by anyone. The returned member id is
// the record's owner, or the caller when there is no record. A record left failed by an earlier
// attempt is reopened so the new attempt's outcome is visible on it.
func resolveOwner(ctx context.Context, deps domain.DependentRecordRepository, ref *domain.DependentRef, caller *uuid.UUID) (*uuid.UUID, error) {
	if ref == nil {
		return caller, nil
	}
	if !ref.Kind.Valid() {
		return nil, &domain.ValidationError{Field: "dependent_kind", Message: fmt.Sprintf("unknown kind %q", ref.Kind)}
	}
	rec, err := deps.Get(ctx, *ref)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	if rec.Status.IsSettled() {
		return nil, fmt.Errorf("%s is already %s: %w", ref, rec.Status, domain.ErrAlreadyCompleted)
	}
	owner := caller
	if rec.MemberID != nil {
		if caller == nil || *caller != *rec.MemberID {
			return nil, domain.ErrForbidden
		}
		owner = rec.MemberID
	}
	if rec.Status == domain.DependentStatusFailed {
		if _, err := deps.Reopen(ctx, *ref); err != nil {
			return nil, fmt.Errorf("reopen %s: %w", ref, err)
		}
	}
	return owner, nil
}
