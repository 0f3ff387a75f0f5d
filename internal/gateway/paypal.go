package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// PayPalClient implements Gateway against the PayPal Checkout v2 REST API.
type PayPalClient struct {
	baseURL  string
	clientID string
	secret   string
	client   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalClient creates a PayPal gateway client. baseURL is the API
// root, e.g. https://api-m.sandbox.paypal.com.
func NewPayPalClient(baseURL, clientID, secret string) *PayPalClient {
	return &PayPalClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		secret:   secret,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached OAuth access token, refreshing it when it is
// within a minute of expiry.
func (p *PayPalClient) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Until(p.tokenExpiry) > time.Minute {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, "token request")
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: bad token response: %v", ErrUnavailable, err)
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	Description string       `json:"description,omitempty"`
	Amount      paypalAmount `json:"amount"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Payer struct {
		PayerID      string `json:"payer_id"`
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

// CreateOrder creates a CAPTURE-intent order and returns the payer
// approval link.
func (p *PayPalClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []paypalPurchaseUnit{{
			ReferenceID: req.Reference,
			CustomID:    req.Reference,
			Description: req.Description,
			Amount:      paypalAmount{CurrencyCode: req.Currency, Value: req.Amount},
		}},
	}

	var out paypalOrderResponse
	if err := p.post(ctx, "/v2/checkout/orders", body, &out); err != nil {
		return nil, err
	}

	order := &Order{OrderID: out.ID}
	for _, l := range out.Links {
		if l.Rel == "approve" {
			order.ApprovalURL = l.Href
			break
		}
	}
	return order, nil
}

// CaptureOrder captures an approved order.
func (p *PayPalClient) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	var out paypalOrderResponse
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := p.post(ctx, path, map[string]interface{}{}, &out); err != nil {
		return nil, err
	}

	capture := &Capture{
		PayerID:    out.Payer.PayerID,
		PayerEmail: out.Payer.EmailAddress,
		Status:     out.Status,
	}
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		capture.CaptureID = out.PurchaseUnits[0].Payments.Captures[0].ID
	}
	if capture.CaptureID == "" {
		return nil, fmt.Errorf("%w: capture response carried no capture id", ErrRejected)
	}
	return capture, nil
}

type paypalRefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Refund refunds a captured payment, fully or partially.
func (p *PayPalClient) Refund(ctx context.Context, captureID, amount, currency string) (*RefundResult, error) {
	body := map[string]interface{}{}
	if amount != "" {
		body["amount"] = paypalAmount{CurrencyCode: currency, Value: amount}
	}

	var out paypalRefundResponse
	path := "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund"
	if err := p.post(ctx, path, body, &out); err != nil {
		return nil, err
	}
	return &RefundResult{RefundID: out.ID}, nil
}

func (p *PayPalClient) post(ctx context.Context, path string, body, out interface{}) error {
	tok, err := p.token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s", classifyStatus(resp.StatusCode, path), strings.TrimSpace(string(snippet)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyStatus maps provider HTTP statuses onto the error taxonomy:
// 5xx and 429 are transient, everything else 4xx is terminal.
func classifyStatus(code int, op string) error {
	if code >= 500 || code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, op, code)
	}
	return fmt.Errorf("%w: %s returned status %d", ErrRejected, op, code)
}

var _ Gateway = (*PayPalClient)(nil)
