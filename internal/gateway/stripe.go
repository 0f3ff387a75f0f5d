package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient implements Gateway on Stripe PaymentIntents with manual
// capture. "Orders" are manual-capture PaymentIntents; the ApprovalURL
// field carries the intent client secret for the frontend to confirm.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe gateway client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

// minorUnits converts a decimal amount string into the integer minor
// units Stripe expects ("100.50" USD → 10050).
func minorUnits(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: bad amount %q", ErrRejected, amount)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// CreateOrder creates a manual-capture PaymentIntent.
func (s *StripeClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	cents, err := minorUnits(req.Amount)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Description:   stripe.String(req.Description),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if req.Reference != "" {
		params.AddMetadata("reference", req.Reference)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}

	return &Order{OrderID: pi.ID, ApprovalURL: pi.ClientSecret}, nil
}

// CaptureOrder captures a confirmed PaymentIntent.
func (s *StripeClient) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	}
	pi, err := s.api.PaymentIntents.Capture(orderID, params)
	if err != nil {
		return nil, classifyStripe(err)
	}

	capture := &Capture{
		CaptureID: pi.ID,
		Status:    string(pi.Status),
	}
	if pi.Customer != nil {
		capture.PayerID = pi.Customer.ID
	}
	capture.PayerEmail = pi.ReceiptEmail
	return capture, nil
}

// Refund refunds a captured PaymentIntent, fully or partially.
func (s *StripeClient) Refund(ctx context.Context, captureID, amount, currency string) (*RefundResult, error) {
	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(captureID),
	}
	if amount != "" {
		cents, err := minorUnits(amount)
		if err != nil {
			return nil, err
		}
		params.Amount = stripe.Int64(cents)
	}

	ref, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return &RefundResult{RefundID: ref.ID}, nil
}

// classifyStripe maps Stripe SDK errors onto the error taxonomy.
func classifyStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: stripe: %s", ErrUnavailable, se.Msg)
		}
		return fmt.Errorf("%w: stripe: %s", ErrRejected, se.Msg)
	}
	// Network-level failure, no structured response.
	return fmt.Errorf("%w: stripe: %v", ErrUnavailable, err)
}

var _ Gateway = (*StripeClient)(nil)
