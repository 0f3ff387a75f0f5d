// Package gateway talks to the external payment provider that actually
// moves money: order creation, capture, and refunds.
//
// Callers depend only on the Gateway interface; the concrete provider
// (PayPal-style REST or Stripe) is chosen by configuration. Transient
// provider failures surface as ErrUnavailable so callers can retry with
// backoff; terminal denials surface as ErrRejected and must not be
// retried.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the provider could not be reached or answered
	// with a server-side failure. Retryable.
	ErrUnavailable = errors.New("payment gateway unavailable")

	// ErrRejected means the provider understood the request and refused
	// it (declined payment, invalid order state). Not retryable.
	ErrRejected = errors.New("payment gateway rejected the request")
)

// CreateOrderRequest describes a charge to be authorized by the payer.
type CreateOrderRequest struct {
	Amount      string // settlement currency, decimal string
	Currency    string // ISO code, e.g. "USD"
	Description string
	Reference   string // our payment ID, echoed back by the provider
	Metadata    map[string]string
}

// Order is a provider-side order awaiting payer approval.
type Order struct {
	OrderID     string `json:"orderId"`
	ApprovalURL string `json:"approvalUrl"`
}

// Capture is the result of capturing an approved order.
type Capture struct {
	CaptureID  string `json:"captureId"`
	PayerID    string `json:"payerId"`
	PayerEmail string `json:"payerEmail"`
	Status     string `json:"status"`
}

// RefundResult is the provider's record of a refund.
type RefundResult struct {
	RefundID string `json:"refundId"`
}

// Gateway is the capability surface the settlement engine needs from a
// payment provider.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)
	Refund(ctx context.Context, captureID, amount, currency string) (*RefundResult, error)
}
