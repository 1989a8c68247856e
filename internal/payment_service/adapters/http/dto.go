package http

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cbo-portal/golang_services/internal/payment_service/app"
	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// ActionEnvelope is the common shape of every function call: {"action": "...", ...params}.
type ActionEnvelope struct {
	Action string `json:"action" validate:"required"`
}

// DependentRefDTO names the record a payment settles. At most one id may be set.
type DependentRefDTO struct {
	ContributionID        string `json:"contributionId,omitempty" validate:"omitempty,uuid"`
	WelfareContributionID string `json:"welfareContributionId,omitempty" validate:"omitempty,uuid"`
	DonationID            string `json:"donationId,omitempty" validate:"omitempty,uuid"`
}

// Ref returns the referenced record, or nil when the payment is not linked to one.
func (d DependentRefDTO) Ref() (*domain.DependentRef, error) {
	var refs []domain.DependentRef
	for kind, raw := range map[domain.DependentKind]string{
		domain.DependentContribution:        d.ContributionID,
		domain.DependentWelfareContribution: d.WelfareContributionID,
		domain.DependentDonation:            d.DonationID,
	} {
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, &domain.ValidationError{Field: string(kind) + "_id", Message: "must be a UUID"}
		}
		refs = append(refs, domain.DependentRef{Kind: kind, ID: id})
	}
	switch len(refs) {
	case 0:
		return nil, nil
	case 1:
		return &refs[0], nil
	default:
		return nil, &domain.ValidationError{Field: "dependent", Message: "a payment can settle only one record"}
	}
}

// M-Pesa function DTOs.

type InitiateRequestDTO struct {
	PhoneNumber      string `json:"phoneNumber" validate:"required"`
	Amount           int64  `json:"amount"`
	AccountReference string `json:"accountReference,omitempty" validate:"omitempty,max=12"`
	TransactionDesc  string `json:"transactionDesc,omitempty" validate:"omitempty,max=13"`
	Method           string `json:"method,omitempty" validate:"omitempty,oneof=stk till"`
	DependentRefDTO
}

type CheckoutRequestDTO struct {
	CheckoutRequestID string `json:"checkoutRequestId" validate:"required"`
}

type VerifyRequestDTO struct {
	CheckoutRequestID string `json:"checkoutRequestId" validate:"required"`
	ExpectedAmount    int64  `json:"expectedAmount" validate:"gte=0"`
}

type InitiateResponseDTO struct {
	MerchantRequestID string              `json:"merchantRequestId"`
	CheckoutRequestID string              `json:"checkoutRequestId"`
	ResponseCode      string              `json:"responseCode"`
	CustomerMessage   string              `json:"customerMessage"`
	Transaction       *domain.Transaction `json:"transaction"`
}

func NewInitiateResponseDTO(res *app.InitiateResult) InitiateResponseDTO {
	out := InitiateResponseDTO{
		ResponseCode:    domain.ResultCodeSuccess,
		CustomerMessage: res.CustomerMessage,
		Transaction:     res.Transaction,
	}
	if res.Transaction.MerchantRequestID != nil {
		out.MerchantRequestID = *res.Transaction.MerchantRequestID
	}
	if res.Transaction.CheckoutRequestID != nil {
		out.CheckoutRequestID = *res.Transaction.CheckoutRequestID
	}
	return out
}

// PollResponseDTO is null-transaction when the poll window closed without a terminal status.
type PollResponseDTO struct {
	Resolved    bool                `json:"resolved"`
	Status      string              `json:"status,omitempty"`
	Message     string              `json:"message,omitempty"`
	Transaction *domain.Transaction `json:"transaction"`
}

type TimeoutResponseDTO struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
	Updated           bool   `json:"updated"`
}

// Pesapal function DTOs.

type SubmitOrderRequestDTO struct {
	MerchantReference string                `json:"merchantReference,omitempty" validate:"omitempty,max=50"`
	Amount            decimal.Decimal       `json:"amount"`
	Description       string                `json:"description" validate:"required,max=100"`
	CallbackURL       string                `json:"callbackUrl,omitempty" validate:"omitempty,url"`
	BillingAddress    domain.BillingAddress `json:"billingAddress"`
	DependentRefDTO
}

type OrderTrackingRequestDTO struct {
	OrderTrackingID string `json:"orderTrackingId" validate:"required"`
}

type RegisterIPNRequestDTO struct {
	URL              string `json:"url" validate:"required,url"`
	NotificationType string `json:"ipnNotificationType,omitempty" validate:"omitempty,oneof=GET POST"`
}

type PesapalStatusResponseDTO struct {
	Status      domain.TransactionStatus      `json:"status"`
	Gateway     *domain.PesapalStatusResponse `json:"gateway"`
	Transaction *domain.Transaction           `json:"transaction,omitempty"`
}

type IPNListResponseDTO struct {
	IPNs []domain.PesapalIPN `json:"ipns"`
}

// ErrorResponseDTO is the body of every failed function call.
type ErrorResponseDTO struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code,omitempty"`
}

func unknownAction(action string) error {
	return fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
}
