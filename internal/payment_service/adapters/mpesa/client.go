package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

const (
	timestampLayout = "20060102150405"

	transactionTypePayBill  = "CustomerPayBillOnline"
	transactionTypeBuyGoods = "CustomerBuyGoodsOnline"

	maxAccountReferenceLen = 12
	maxTransactionDescLen  = 13
)

// Config holds Daraja credentials. BaseURL is https://sandbox.safaricom.co.ke or the production host.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	TillNumber     string
	Passkey        string
	CallbackURL    string
}

// Client talks to the Daraja API. It keeps no state between calls; a token is fetched per request.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("provider", "mpesa"),
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// darajaError is the body Daraja sends with non-2xx responses.
type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkQueryBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryReply struct {
	ResponseCode        string     `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

// Password derives the STK password for timestamp.
func (c *Client) Password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request failed: %v", domain.ErrGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read token response: %v", domain.ErrGateway, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", gatewayError("oauth", resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token response carried no access_token", domain.ErrGateway)
	}
	return tok.AccessToken, nil
}

// InitiateSTKPush sends a Lipa Na M-Pesa Online prompt. MethodTill uses the buy goods flow against
// the configured till; everything else is a paybill push to the shortcode.
func (c *Client) InitiateSTKPush(ctx context.Context, in domain.STKPushRequest) (*domain.STKPushResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to obtain Daraja token", "error", err)
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.Password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            in.Amount,
		PartyA:            in.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       in.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(in.AccountReference, maxAccountReferenceLen),
		TransactionDesc:   truncate(in.TransactionDesc, maxTransactionDescLen),
	}
	if in.Method == domain.MethodTill && c.cfg.TillNumber != "" {
		body.TransactionType = transactionTypeBuyGoods
		body.PartyB = c.cfg.TillNumber
	}

	var out domain.STKPushResponse
	if err := c.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, body, &out); err != nil {
		c.logger.ErrorContext(ctx, "STK push failed", "phone", in.PhoneNumber, "amount", in.Amount, "error", err)
		return nil, err
	}
	c.logger.InfoContext(ctx, "STK push accepted by Daraja", "checkout_request_id", out.CheckoutRequestID,
		"response_code", out.ResponseCode, "method", in.Method)
	return &out, nil
}

// QueryStatus asks Daraja directly for the outcome of an STK push.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*domain.STKQueryResponse, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	body := stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.Password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var reply stkQueryReply
	if err := c.postJSON(ctx, "/mpesa/stkpushquery/v1/query", token, body, &reply); err != nil {
		c.logger.WarnContext(ctx, "STK query failed", "checkout_request_id", checkoutRequestID, "error", err)
		return nil, err
	}
	return &domain.STKQueryResponse{
		ResponseCode:        reply.ResponseCode,
		ResponseDescription: reply.ResponseDescription,
		MerchantRequestID:   reply.MerchantRequestID,
		CheckoutRequestID:   reply.CheckoutRequestID,
		ResultCode:          string(reply.ResultCode),
		ResultDesc:          reply.ResultDesc,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, in, out interface{}) error {
	reqBytes, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request for Daraja: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request for Daraja: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request to %s failed: %v", domain.ErrGateway, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read %s response: %v", domain.ErrGateway, path, err)
	}
	c.logger.DebugContext(ctx, "Daraja response", "path", path, "status_code", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayError(path, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: unparseable %s response: %v", domain.ErrGateway, path, err)
	}
	return nil
}

// gatewayError extracts errorMessage from a Daraja error body when there is one. A 4xx that
// Daraja explains on an STK endpoint (bad phone number, shortcode or amount) is a rejection of the
// request itself; token, credential and throttling failures stay gateway errors.
func gatewayError(path string, status int, body []byte) error {
	msg := fmt.Sprintf("status %d", status)
	var de darajaError
	if err := json.Unmarshal(body, &de); err == nil && de.ErrorMessage != "" {
		if path != "oauth" && rejectsRequest(status) {
			return &domain.RejectedError{ResponseCode: de.ErrorCode, Description: de.ErrorMessage}
		}
		msg = de.ErrorMessage
	} else if len(body) > 0 && len(body) < 200 {
		msg = fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrGateway, path, msg)
}

func rejectsRequest(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// flexString decodes a JSON string or number into its string form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("result code is neither string nor number: %s", data)
	}
	*f = flexString(n.String())
	return nil
}
