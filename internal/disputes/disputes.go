// Package disputes coordinates the hold placed on a contract and its
// payment when one side contests the outcome.
//
// Opening a dispute freezes both records; an arbiter reviews the message
// and evidence logs and resolves with one of three decisions: release to
// the worker, refund to the client, or a split. The initiator can also
// withdraw, which thaws everything back to where it was.
package disputes

import (
	"context"
	"errors"
	"time"

	"github.com/doerly/settlement/internal/commission"
	"github.com/doerly/settlement/internal/contracts"
	"github.com/doerly/settlement/internal/payments"
)

var (
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrDuplicateDispute   = errors.New("contract already has an open dispute")
	ErrFilingWindowClosed = errors.New("dispute filing window has closed")
	ErrPreconditionFailed = errors.New("dispute state does not allow this operation")
	ErrUnauthorized       = errors.New("not authorized for this dispute operation")
	ErrConflict           = errors.New("dispute was modified concurrently")
)

// FilingWindow is how long after contract completion a dispute can still
// be opened.
const FilingWindow = 30 * 24 * time.Hour

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"         // Awaiting respondent reaction
	StatusUnderReview Status = "under_review" // An arbiter picked it up
	StatusResolved    Status = "resolved"     // Decided by an arbiter
	StatusClosed      Status = "closed"       // Withdrawn by the initiator
)

// Priority orders the arbiter queue and sets the response deadline.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ResponseWindow returns how long the respondent has before the dispute
// escalates to review automatically.
func (p Priority) ResponseWindow() time.Duration {
	switch p {
	case PriorityUrgent:
		return 12 * time.Hour
	case PriorityHigh:
		return 24 * time.Hour
	case PriorityMedium:
		return 48 * time.Hour
	}
	return 72 * time.Hour
}

// Dispute is the contest record attached to a contract.
type Dispute struct {
	ID           string `json:"id"`
	ContractID   string `json:"contractId"`
	PaymentID    string `json:"paymentId,omitempty"`
	InitiatorID  string `json:"initiatorId"`
	RespondentID string `json:"respondentId"`
	Reason       string `json:"reason"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`

	Status           Status    `json:"status"`
	Priority         Priority  `json:"priority"`
	ResponseDeadline time.Time `json:"responseDeadline"`

	Decision   string     `json:"decision,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsOpen reports whether the dispute still accepts messages and evidence.
func (d *Dispute) IsOpen() bool {
	return d.Status == StatusOpen || d.Status == StatusUnderReview
}

// Message is one append-only entry in the dispute conversation. The
// creation entry and escalation entries use the system author.
type Message struct {
	ID        string    `json:"id"`
	DisputeID string    `json:"disputeId"`
	AuthorID  string    `json:"authorId"` // "system" for generated entries
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// SystemAuthor marks log entries written by the service itself.
const SystemAuthor = "system"

// Evidence is an append-only attachment reference.
type Evidence struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	AuthorID    string    `json:"authorId"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists dispute data. Update is the same optimistic CAS as the
// other stores. Messages and evidence are append-only.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByContract(ctx context.Context, contractID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListOpenPastDeadline(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)

	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, disputeID string) ([]*Message, error)
	AddEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)
}

// ContractService is the slice of the contracts service disputes drive.
type ContractService interface {
	Get(ctx context.Context, id string) (*contracts.Contract, error)
	MarkDisputed(ctx context.Context, id, disputeID string) (*contracts.Contract, error)
	ResolveDispute(ctx context.Context, id string, final contracts.Status, resolvedBy string) (*contracts.Contract, error)
	ClearDispute(ctx context.Context, id string) (*contracts.Contract, error)
}

// PaymentService is the slice of the payments service disputes drive.
type PaymentService interface {
	MarkDisputed(ctx context.Context, id, disputeID string) (*payments.Payment, error)
	ResolveDispute(ctx context.Context, id string, actor payments.Actor, decision, clientShare string) (*payments.Payment, error)
	Unfreeze(ctx context.Context, id string) (*payments.Payment, error)
}

// Memberships reads the payer tier for priority scoring.
type Memberships interface {
	Allowances(ctx context.Context, userID string) (commission.Allowances, error)
}

// Publisher emits settlement events. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	ContractID  string   `json:"contractId" binding:"required"`
	Reason      string   `json:"reason" binding:"required"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Evidence    []string `json:"evidence"` // attachment URLs
}

// MessageRequest adds a message to the dispute log.
type MessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// EvidenceRequest adds an evidence reference.
type EvidenceRequest struct {
	URL         string `json:"url" binding:"required"`
	Description string `json:"description"`
}

// ResolveRequest carries the arbiter decision.
type ResolveRequest struct {
	Decision    string `json:"decision" binding:"required"` // release_to_worker, refund_to_client, split
	Rationale   string `json:"rationale" binding:"required"`
	ClientShare string `json:"clientShare"` // required for split
}
