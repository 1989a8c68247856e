package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cbo-portal/golang_services/internal/payment_service/domain"
)

var ErrMalformedCallback = errors.New("malformed STK callback")

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        flexString `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []struct {
			Name  string      `json:"Name"`
			Value interface{} `json:"Value"`
		} `json:"Item"`
	} `json:"CallbackMetadata"`
}

// STKCallback is a parsed Daraja result notification.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	Result            domain.GatewayResult
}

// ParseSTKCallback decodes the JSON Daraja posts to the callback URL.
func ParseSTKCallback(payload []byte) (*STKCallback, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env stkCallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	cb := env.Body.StkCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing stkCallback.CheckoutRequestID", ErrMalformedCallback)
	}

	code := string(cb.ResultCode)
	out := &STKCallback{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		Result: domain.GatewayResult{
			Status:     domain.StatusFromResultCode(code),
			ResultCode: code,
			ResultDesc: cb.ResultDesc,
		},
	}

	if cb.CallbackMetadata == nil {
		return out, nil
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			out.Result.Receipt = metadataString(item.Value)
		case "PhoneNumber":
			out.Result.PhoneNumber = metadataString(item.Value)
		case "Amount":
			if d, err := decimal.NewFromString(metadataString(item.Value)); err == nil {
				out.Result.Amount = d.IntPart()
			}
		}
	}
	if out.Result.Status != domain.StatusCompleted {
		out.Result.Receipt = ""
	}
	return out, nil
}

func metadataString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// CallbackAck is the body Daraja expects back from the callback URL.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted is returned once a callback has been parsed, whatever the payment outcome.
var Accepted = CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
