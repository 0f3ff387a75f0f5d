package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/doerly/settlement/internal/metrics"
	"github.com/doerly/settlement/internal/security"
)

// DefaultMaxFailures is the consecutive-failure count after which a
// subscription is deactivated.
const DefaultMaxFailures = 50

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const (
	SignatureHeader = "X-Settlement-Signature"
	EventHeader     = "X-Settlement-Event"
	TimestampHeader = "X-Settlement-Timestamp"
)

// Dispatcher posts events to subscriber endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	maxFailures  int
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		maxFailures:  DefaultMaxFailures,
	}
}

// Dispatch sends an event to every active subscription registered for its
// type. Deliveries run asynchronously; Dispatch returns once they are
// started.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Detached so a cancelled request context cannot abort an
		// in-flight delivery.
		go d.send(context.WithoutCancel(ctx), sub, event)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(TimestampHeader, fmt.Sprintf("%d", event.Timestamp.Unix()))

	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, d.sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.EventDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record event delivery", "subscriptionId", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.EventDeliveriesTotal.WithLabelValues("error").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= d.maxFailures {
		sub.Active = false
		d.logger.Warn("subscription deactivated after repeated failures",
			"subscriptionId", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record event delivery error", "subscriptionId", sub.ID, "error", err)
	}
}
