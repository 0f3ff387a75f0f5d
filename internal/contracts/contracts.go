// Package contracts manages the agreement lifecycle between a client and
// a doer for a single job.
//
// Flow:
//  1. Client creates a contract from an accepted proposal → pending_payment
//  2. Linked payment captured into escrow → open
//  3. Doer accepts the terms → accepted
//  4. Work starts → active
//  5. Client confirms delivery → completed, escrow released
//
// Branches: active/completed → disputed while the filing window is open;
// pending_payment/open/accepted → cancelled, but never once escrow holds
// funds. Zero-commission non-escrow contracts skip payment and activate
// on acceptance.
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/doerly/settlement/internal/commission"
)

var (
	ErrContractNotFound   = errors.New("contract not found")
	ErrDuplicateContract  = errors.New("job already has a live contract")
	ErrPreconditionFailed = errors.New("contract state does not allow this operation")
	ErrUnauthorized       = errors.New("not authorized for this contract operation")
	ErrConflict           = errors.New("contract was modified concurrently")
	ErrInvalidPrice       = errors.New("invalid contract price")
)

// Status represents the state of a contract.
type Status string

const (
	StatusPendingPayment Status = "pending_payment" // Created, awaiting escrow capture
	StatusOpen           Status = "open"            // Funds held, awaiting doer acceptance
	StatusAccepted       Status = "accepted"        // Doer agreed to the terms
	StatusActive         Status = "active"          // Work in progress
	StatusCompleted      Status = "completed"       // Delivered and confirmed
	StatusDisputed       Status = "disputed"        // Frozen under an open dispute
	StatusCancelled      Status = "cancelled"       // Abandoned before funds were held
)

// FreeKind records which allowance, if any, waived the commission.
type FreeKind string

const (
	FreeKindNone     FreeKind = "none"
	FreeKindLifetime FreeKind = "lifetime"
	FreeKindMonthly  FreeKind = "monthly"
)

// Contract is the agreement between client and doer. TotalPrice is always
// Price plus Commission; DisputeID is set exactly while status is disputed.
type Contract struct {
	ID         string `json:"id"`
	JobID      string `json:"jobId"`
	ClientID   string `json:"clientId"`
	DoerID     string `json:"doerId"`
	Price      string `json:"price"` // doer's payout, local currency
	Commission string `json:"commission"`
	TotalPrice string `json:"totalPrice"` // what the client is charged
	Currency   string `json:"currency"`

	Status        Status   `json:"status"`
	PaymentStatus string   `json:"paymentStatus,omitempty"` // mirrored from the payment record
	PaymentID     string   `json:"paymentId,omitempty"`
	DisputeID     string   `json:"disputeId,omitempty"`
	IsEscrow      bool     `json:"isEscrow"`
	FreeKind      FreeKind `json:"freeKind"`
	Description   string   `json:"description,omitempty"`

	CancelledBy     string `json:"cancelledBy,omitempty"`
	CancelledReason string `json:"cancelledReason,omitempty"`

	// CompletionRequestedAt is set when the doer asks for completion;
	// the client has a grace window to object before it auto-completes.
	CompletionRequestedAt *time.Time `json:"completionRequestedAt,omitempty"`

	DisputedAt  *time.Time `json:"disputedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the contract can no longer change state,
// except for the post-completion dispute window.
func (c *Contract) IsTerminal() bool {
	switch c.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// FundsHeld reports whether the linked payment captured money. Cancelling
// is forbidden from this point on.
func (c *Contract) FundsHeld() bool {
	switch c.PaymentStatus {
	case "held_escrow", "completed", "disputed", "refunded":
		return true
	}
	return false
}

// Store persists contract data. Update is an optimistic compare-and-swap
// on Version, same contract as the payments store: stored version must
// match, success increments it, mismatch returns ErrConflict.
type Store interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	GetByJob(ctx context.Context, jobID string) (*Contract, error)
	Update(ctx context.Context, c *Contract) error
	ListByUser(ctx context.Context, userID string, status string, limit int) ([]*Contract, error)
	ListCompletionDue(ctx context.Context, before time.Time, limit int) ([]*Contract, error)
}

// Memberships supplies commission allowances and spends free slots.
// Implemented by the membership service.
type Memberships interface {
	Allowances(ctx context.Context, userID string) (commission.Allowances, error)
	Consume(ctx context.Context, userID string, q commission.Quote) error
	Refund(ctx context.Context, userID string, q commission.Quote) error
}

// EscrowReleaser releases the held payment when a contract completes.
// Implemented by an adapter over the payments service.
type EscrowReleaser interface {
	Release(ctx context.Context, paymentID, actorID string, resolver bool) error
}

// Publisher emits settlement events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

// CreateRequest contains the parameters for creating a contract.
type CreateRequest struct {
	JobID       string `json:"jobId" binding:"required"`
	ClientID    string `json:"clientId" binding:"required"`
	DoerID      string `json:"doerId" binding:"required"`
	Price       string `json:"price" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	IsEscrow    bool   `json:"isEscrow"`
	Description string `json:"description"`
}

// CancelRequest carries the reason for cancelling a contract.
type CancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}
