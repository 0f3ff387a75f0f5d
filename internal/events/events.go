// Package events delivers settlement lifecycle notifications to external
// subscribers.
//
// Marketplace backends register subscription URLs to be notified when
// payments are captured, escrow is released, contracts complete, or
// disputes are opened and resolved. Deliveries are HMAC-signed and
// asynchronous; a slow or broken subscriber never blocks settlement.
package events

import (
	"context"
	"time"
)

// EventType identifies a settlement lifecycle event.
type EventType string

const (
	EventPaymentCaptured   EventType = "payment.captured"
	EventEscrowReleased    EventType = "escrow.released"
	EventPaymentRefunded   EventType = "payment.refunded"
	EventContractActivated EventType = "contract.activated"
	EventContractCompleted EventType = "contract.completed"
	EventDisputeOpened     EventType = "dispute.opened"
	EventDisputeResolved   EventType = "dispute.resolved"
)

// KnownTypes lists every event type a subscription may register for.
var KnownTypes = []EventType{
	EventPaymentCaptured,
	EventEscrowReleased,
	EventPaymentRefunded,
	EventContractActivated,
	EventContractCompleted,
	EventDisputeOpened,
	EventDisputeResolved,
}

// Event is the payload posted to subscriber endpoints.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a registered delivery endpoint.
type Subscription struct {
	ID                  string      `json:"id"`
	OwnerID             string      `json:"ownerId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists event subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}
