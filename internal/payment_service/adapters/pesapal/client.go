package pesapal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

// Config holds Pesapal v3 credentials. BaseURL is https://cybqa.pesapal.com/pesapalv3 for sandbox
// or https://pay.pesapal.com/v3 for production.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger.With("provider", "pesapal")}
}

// apiError is the error block Pesapal embeds in otherwise successful HTTP responses.
type apiError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *apiError) present() bool {
	return e != nil && (e.Code != "" || e.Message != "")
}

func (e *apiError) String() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

type tokenReply struct {
	Token      string    `json:"token"`
	ExpiryDate string    `json:"expiryDate"`
	Error      *apiError `json:"error"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
}

type orderPayload struct {
	ID             string                `json:"id"`
	Currency       string                `json:"currency"`
	Amount         float64               `json:"amount"`
	Description    string                `json:"description"`
	CallbackURL    string                `json:"callback_url"`
	NotificationID string                `json:"notification_id"`
	BillingAddress domain.BillingAddress `json:"billing_address"`
}

type orderReply struct {
	domain.PesapalOrderResponse
	Error *apiError `json:"error"`
}

type statusReply struct {
	domain.PesapalStatusResponse
	Error *apiError `json:"error"`
}

type ipnRegisterPayload struct {
	URL                 string `json:"url"`
	IPNNotificationType string `json:"ipn_notification_type"`
}

type ipnReply struct {
	domain.PesapalIPN
	Error *apiError `json:"error"`
}

// GetAccessToken requests a fresh bearer token. Tokens are not cached.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	var reply tokenReply
	body := map[string]string{"consumer_key": c.cfg.ConsumerKey, "consumer_secret": c.cfg.ConsumerSecret}
	if err := c.do(ctx, http.MethodPost, "/api/Auth/RequestToken", "", body, &reply); err != nil {
		return "", err
	}
	if reply.Error.present() {
		return "", fmt.Errorf("%w: token request rejected: %s", domain.ErrGateway, reply.Error)
	}
	if reply.Token == "" {
		return "", fmt.Errorf("%w: token response carried no token", domain.ErrGateway)
	}
	return reply.Token, nil
}

// SubmitOrder creates a hosted checkout order and returns its redirect URL.
func (c *Client) SubmitOrder(ctx context.Context, token string, req domain.PesapalOrderRequest) (*domain.PesapalOrderResponse, error) {
	if !req.Amount.IsPositive() {
		return nil, &domain.ValidationError{Field: "amount", Message: "Invalid amount"}
	}
	if req.NotificationID == "" {
		return nil, domain.ErrIPNNotConfigured
	}

	payload := orderPayload{
		ID:             req.ID,
		Currency:       req.Currency,
		Amount:         req.Amount.InexactFloat64(),
		Description:    req.Description,
		CallbackURL:    req.CallbackURL,
		NotificationID: req.NotificationID,
		BillingAddress: req.BillingAddress,
	}
	var reply orderReply
	if err := c.do(ctx, http.MethodPost, "/api/Transactions/SubmitOrderRequest", token, payload, &reply); err != nil {
		c.logger.ErrorContext(ctx, "SubmitOrderRequest failed", "merchant_reference", req.ID, "error", err)
		return nil, err
	}
	if reply.Error.present() {
		c.logger.WarnContext(ctx, "Pesapal rejected order", "merchant_reference", req.ID, "error_code", reply.Error.Code)
		return nil, &domain.RejectedError{ResponseCode: reply.Error.Code, Description: reply.Error.String()}
	}
	if reply.OrderTrackingID == "" {
		return nil, fmt.Errorf("%w: order response carried no order_tracking_id", domain.ErrGateway)
	}
	c.logger.InfoContext(ctx, "Pesapal order submitted", "order_tracking_id", reply.OrderTrackingID, "merchant_reference", reply.MerchantReference)
	return &reply.PesapalOrderResponse, nil
}

func (c *Client) GetTransactionStatus(ctx context.Context, token, orderTrackingID string) (*domain.PesapalStatusResponse, error) {
	path := "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(orderTrackingID)
	var reply statusReply
	if err := c.do(ctx, http.MethodGet, path, token, nil, &reply); err != nil {
		return nil, err
	}
	if reply.Error.present() {
		return nil, fmt.Errorf("%w: status query for %s: %s", domain.ErrGateway, orderTrackingID, reply.Error)
	}
	return &reply.PesapalStatusResponse, nil
}

// RegisterIPN registers callbackURL as an IPN endpoint; notificationType is GET or POST.
func (c *Client) RegisterIPN(ctx context.Context, token, callbackURL, notificationType string) (*domain.PesapalIPN, error) {
	notificationType = strings.ToUpper(notificationType)
	if notificationType == "" {
		notificationType = http.MethodGet
	}
	var reply ipnReply
	payload := ipnRegisterPayload{URL: callbackURL, IPNNotificationType: notificationType}
	if err := c.do(ctx, http.MethodPost, "/api/URLSetup/RegisterIPN", token, payload, &reply); err != nil {
		return nil, err
	}
	if reply.Error.present() {
		return nil, fmt.Errorf("%w: IPN registration rejected: %s", domain.ErrGateway, reply.Error)
	}
	c.logger.InfoContext(ctx, "IPN registered", "ipn_id", reply.IPNID, "url", reply.URL)
	return &reply.PesapalIPN, nil
}

func (c *Client) ListIPNs(ctx context.Context, token string) ([]domain.PesapalIPN, error) {
	var reply []domain.PesapalIPN
	if err := c.do(ctx, http.MethodGet, "/api/URLSetup/GetIpnList", token, nil, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request for Pesapal: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request for Pesapal: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request to %s failed: %v", domain.ErrGateway, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read %s response: %v", domain.ErrGateway, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		var wrapped struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(respBody, &wrapped) == nil && wrapped.Error.present() {
			msg = fmt.Sprintf("status %d: %s", resp.StatusCode, wrapped.Error)
		}
		return fmt.Errorf("%w: %s %s", domain.ErrGateway, path, msg)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: unparseable %s response: %v", domain.ErrGateway, path, err)
	}
	return nil
}
