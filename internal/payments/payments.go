// Package payments is the escrow ledger: it tracks every charge through
// the external gateway from initiation to capture, escrow hold, release,
// refund, or dispute freeze.
//
// Flow for an escrow-backed contract:
//  1. Client initiates → gateway order created → payment: pending
//  2. Client approves at the gateway → capture → payment: held_escrow
//  3. Contract completed → release → payment: completed
//  4. Dispute opened → payment: disputed, then resolved by an arbiter
//
// Non-escrow charges (job publication fees, zero-commission payouts)
// capture straight to completed.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPreconditionFailed  = errors.New("payment state does not allow this operation")
	ErrUnauthorized        = errors.New("not authorized for this payment operation")
	ErrNotRefundable       = errors.New("payment has no captured funds to refund")
	ErrInvalidAmount       = errors.New("invalid payment amount")
	ErrConflict            = errors.New("payment was modified concurrently")
)

// Status represents the state of a payment.
type Status string

const (
	StatusPending    Status = "pending"     // Gateway order created, awaiting payer approval
	StatusHeldEscrow Status = "held_escrow" // Captured, held until contract completion
	StatusCompleted  Status = "completed"   // Funds with the recipient side
	StatusRefunded   Status = "refunded"    // Returned to the payer
	StatusDisputed   Status = "disputed"    // Frozen pending dispute resolution
	StatusFailed     Status = "failed"      // Gateway denied the capture
)

// Payment represents a single charge through the gateway.
type Payment struct {
	ID            string `json:"id"`
	ContractID    string `json:"contractId,omitempty"` // empty for job publication fees
	JobID         string `json:"jobId,omitempty"`
	PayerID       string `json:"payerId"`
	RecipientID   string `json:"recipientId,omitempty"`
	Amount        string `json:"amount"`   // settlement currency
	Currency      string `json:"currency"` // e.g. "USD"
	LocalAmount   string `json:"localAmount"`
	LocalCurrency string `json:"localCurrency"` // e.g. "UZS"
	Status        Status `json:"status"`

	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayCaptureID string `json:"gatewayCaptureId,omitempty"`
	GatewayRefundID  string `json:"gatewayRefundId,omitempty"`
	PayerGatewayID   string `json:"payerGatewayId,omitempty"`
	PayerEmail       string `json:"payerEmail,omitempty"`

	FeeAmount   string `json:"feeAmount,omitempty"` // platform commission share of Amount
	IsEscrow    bool   `json:"isEscrow"`
	Description string `json:"description,omitempty"`

	RefundReason string     `json:"refundReason,omitempty"`
	RefundedBy   string     `json:"refundedBy,omitempty"`
	RefundedAt   *time.Time `json:"refundedAt,omitempty"`
	RefundAmount string     `json:"refundAmount,omitempty"` // partial on split resolutions

	ReleasedBy string     `json:"releasedBy,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`
	DisputeID     string `json:"disputeId,omitempty"`

	Version    int64      `json:"version"`
	CapturedAt *time.Time `json:"capturedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the payment can no longer move money.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Captured returns true if gateway funds were captured for this payment.
func (p *Payment) Captured() bool {
	return p.GatewayCaptureID != ""
}

// Store persists payment data. Update is an optimistic compare-and-swap
// on Version: the stored row must carry the version the caller read, and
// a successful update increments it. A mismatch returns ErrConflict.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error)
	ListByContract(ctx context.Context, contractID string) ([]*Payment, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
}

// Actor identifies who is performing a payment operation.
type Actor struct {
	UserID   string
	Resolver bool // arbiter/admin role, may act on any payment
}

// ContractMirror lets payments push status changes back onto the linked
// contract without importing the contracts package.
type ContractMirror interface {
	SetPaymentStatus(ctx context.Context, contractID, paymentID, status string) error
}

// Publisher emits settlement events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

// InitiateRequest contains the parameters for initiating a payment.
type InitiateRequest struct {
	ContractID    string `json:"contractId"`
	JobID         string `json:"jobId"`
	PayerID       string `json:"payerId" binding:"required"`
	RecipientID   string `json:"recipientId"`
	LocalAmount   string `json:"localAmount" binding:"required"`
	LocalCurrency string `json:"localCurrency" binding:"required"`
	FeeAmount     string `json:"feeAmount"`
	IsEscrow      bool   `json:"isEscrow"`
	Description   string `json:"description"`
}

// CaptureRequest identifies the gateway order to capture.
type CaptureRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// RefundRequest carries the reason for a refund.
type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Decision values for dispute resolutions applied to payments.
const (
	DecisionReleaseToWorker = "release_to_worker"
	DecisionRefundToClient  = "refund_to_client"
	DecisionSplit           = "split"
)
