package pesapal

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

var ErrMalformedIPN = errors.New("malformed IPN notification")

// IPNNotification is what Pesapal sends to a registered IPN URL, as query parameters (GET)
// or a JSON body (POST).
type IPNNotification struct {
	OrderTrackingID       string `json:"OrderTrackingId"`
	OrderNotificationType string `json:"OrderNotificationType"`
	OrderMerchantRef      string `json:"OrderMerchantReference"`
}

// ParseIPNQuery reads an IPN delivered as a GET.
func ParseIPNQuery(q url.Values) (*IPNNotification, error) {
	n := &IPNNotification{
		OrderTrackingID:       q.Get("OrderTrackingId"),
		OrderNotificationType: q.Get("OrderNotificationType"),
		OrderMerchantRef:      q.Get("OrderMerchantReference"),
	}
	if n.OrderTrackingID == "" {
		return nil, ErrMalformedIPN
	}
	return n, nil
}

// ParseIPNBody reads an IPN delivered as a POST.
func ParseIPNBody(body []byte) (*IPNNotification, error) {
	var n IPNNotification
	if err := json.Unmarshal(body, &n); err != nil || n.OrderTrackingID == "" {
		return nil, ErrMalformedIPN
	}
	return &n, nil
}

// IPNAck is the acknowledgement Pesapal expects; Status 200 stops redelivery.
type IPNAck struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// NewIPNAck acknowledges n. processed=false asks Pesapal to resend.
func NewIPNAck(n *IPNNotification, processed bool) IPNAck {
	status := http.StatusOK
	if !processed {
		status = http.StatusInternalServerError
	}
	return IPNAck{
		OrderNotificationType:  n.OrderNotificationType,
		OrderTrackingID:        n.OrderTrackingID,
		OrderMerchantReference: n.OrderMerchantRef,
		Status:                 status,
	}
}
