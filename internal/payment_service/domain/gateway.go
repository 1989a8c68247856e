package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// STKPushRequest is what callers hand the M-Pesa adapter. PhoneNumber must already be normalized.
type STKPushRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	TransactionDesc  string
	Method           Method
}

// STKPushResponse mirrors the Daraja processrequest reply.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Accepted reports whether Daraja queued the prompt on the customer's handset.
func (r *STKPushResponse) Accepted() bool {
	return r != nil && r.ResponseCode == "0" && r.CheckoutRequestID != ""
}

// STKQueryResponse mirrors the Daraja stkpushquery reply. ResultCode is always a string here
// regardless of how the gateway encoded it.
type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Succeeded reports ResultCode 0.
func (r *STKQueryResponse) Succeeded() bool {
	return r != nil && r.ResultCode == ResultCodeSuccess
}

// MpesaGateway is the Daraja boundary.
type MpesaGateway interface {
	InitiateSTKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error)
}

// BillingAddress is the payer block Pesapal requires on an order.
type BillingAddress struct {
	EmailAddress string `json:"email_address" validate:"required,email"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

// PesapalOrderRequest is the SubmitOrderRequest payload.
type PesapalOrderRequest struct {
	ID             string          `json:"id"`
	Currency       string          `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	CallbackURL    string          `json:"callback_url"`
	NotificationID string          `json:"notification_id"`
	BillingAddress BillingAddress  `json:"billing_address"`
}

// PesapalOrderResponse carries the hosted checkout redirect.
type PesapalOrderResponse struct {
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
	Status            string `json:"status,omitempty"`
}

// PesapalStatusResponse is the GetTransactionStatus reply.
type PesapalStatusResponse struct {
	PaymentMethod            string          `json:"payment_method"`
	Amount                   decimal.Decimal `json:"amount"`
	CreatedDate              string          `json:"created_date"`
	ConfirmationCode         string          `json:"confirmation_code"`
	PaymentStatusDescription string          `json:"payment_status_description"`
	Description              string          `json:"description"`
	Message                  string          `json:"message"`
	PaymentAccount           string          `json:"payment_account"`
	CallbackURL              string          `json:"call_back_url"`
	StatusCode               int             `json:"status_code"`
	MerchantReference        string          `json:"merchant_reference"`
	Currency                 string          `json:"currency"`
	Status                   string          `json:"status"`
}

// PesapalIPN is one registered notification endpoint.
type PesapalIPN struct {
	URL                 string `json:"url"`
	IPNID               string `json:"ipn_id"`
	NotificationType    int    `json:"notification_type"`
	IPNNotificationType string `json:"ipn_notification_type_description"`
	IPNStatus           int    `json:"ipn_status"`
	IPNStatusDesc       string `json:"ipn_status_description"`
	CreatedDate         string `json:"created_date"`
}

// PesapalGateway is the Pesapal v3 boundary. Tokens are fetched per operation.
type PesapalGateway interface {
	GetAccessToken(ctx context.Context) (string, error)
	SubmitOrder(ctx context.Context, token string, req PesapalOrderRequest) (*PesapalOrderResponse, error)
	GetTransactionStatus(ctx context.Context, token, orderTrackingID string) (*PesapalStatusResponse, error)
	RegisterIPN(ctx context.Context, token, url, notificationType string) (*PesapalIPN, error)
	ListIPNs(ctx context.Context, token string) ([]PesapalIPN, error)
}
