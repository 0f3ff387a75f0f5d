package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRateProvider fetches rates from a JSON rate endpoint of the shape
//
//	GET {base}/latest?base=UZS&symbols=USD
//	{"base": "UZS", "rates": {"USD": 0.0000790}}
type HTTPRateProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRateProvider creates a provider against the given endpoint base.
func NewHTTPRateProvider(baseURL string) *HTTPRateProvider {
	return &HTTPRateProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type rateResponse struct {
	Base  string                 `json:"base"`
	Rates map[string]json.Number `json:"rates"`
}

// GetRate fetches the rate for a currency pair.
func (p *HTTPRateProvider) GetRate(ctx context.Context, from, to string) (string, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	u := fmt.Sprintf("%s/latest?base=%s&symbols=%s", p.baseURL, url.QueryEscape(from), url.QueryEscape(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("rate endpoint unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rate endpoint returned status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("bad rate response: %w", err)
	}

	rate, ok := body.Rates[to]
	if !ok {
		return "", fmt.Errorf("%w: %s:%s", ErrUnknownPair, from, to)
	}
	return rate.String(), nil
}
