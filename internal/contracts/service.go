package contracts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/doerly/settlement/internal/commission"
	"github.com/doerly/settlement/internal/idgen"
	"github.com/doerly/settlement/internal/metrics"
	"github.com/doerly/settlement/internal/money"
)

// DefaultCompletionGrace is how long the client has to object after the
// doer requests completion before it completes automatically.
const DefaultCompletionGrace = 72 * time.Hour

// systemActor marks state changes made by the engine itself, such as the
// grace-window sweep releasing an escrow hold.
const systemActor = "system"

// Service implements contract business logic.
type Service struct {
	store       Store
	memberships Memberships
	logger      *slog.Logger

	releaser EscrowReleaser
	events   Publisher
	grace    time.Duration
	now      func() time.Time

	locks sync.Map // per-contract ID locks
}

// NewService creates a contract service.
func NewService(store Store, memberships Memberships, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		memberships: memberships,
		logger:      logger,
		grace:       DefaultCompletionGrace,
		now:         time.Now,
	}
}

// WithReleaser adds escrow release on completion.
func (s *Service) WithReleaser(r EscrowReleaser) *Service {
	s.releaser = r
	return s
}

// WithPublisher adds settlement event publishing.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// WithCompletionGrace overrides the doer-completion grace window.
func (s *Service) WithCompletionGrace(d time.Duration) *Service {
	s.grace = d
	return s
}

// contractLock returns a mutex for the given contract ID.
func (s *Service) contractLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create makes a contract from an accepted proposal. Commission is quoted
// from the client's membership, and any free slot the quote names is spent
// before the contract persists; the slot is credited back if persistence
// fails. Zero-commission non-escrow contracts have nothing to capture and
// start active.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Contract, error) {
	if !money.IsPositive(req.Price) {
		return nil, ErrInvalidPrice
	}
	if req.ClientID == req.DoerID {
		return nil, fmt.Errorf("%w: client and doer cannot be the same user", ErrPreconditionFailed)
	}

	if existing, err := s.store.GetByJob(ctx, req.JobID); err == nil && existing.Status != StatusCancelled {
		return nil, ErrDuplicateContract
	} else if err != nil && !errors.Is(err, ErrContractNotFound) {
		return nil, err
	}

	allowances, err := s.memberships.Allowances(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to read membership allowances: %w", err)
	}
	quote := commission.Compute(req.Price, allowances)

	if err := s.memberships.Consume(ctx, req.ClientID, quote); err != nil {
		return nil, fmt.Errorf("failed to consume free allowance: %w", err)
	}

	now := s.now()
	c := &Contract{
		ID:          idgen.WithPrefix("ct_"),
		JobID:       req.JobID,
		ClientID:    req.ClientID,
		DoerID:      req.DoerID,
		Price:       money.Add(req.Price, "0"),
		Commission:  quote.Commission,
		TotalPrice:  money.Add(req.Price, quote.Commission),
		Currency:    strings.ToUpper(req.Currency),
		Status:      StatusPendingPayment,
		IsEscrow:    req.IsEscrow,
		FreeKind:    freeKind(quote),
		Description: req.Description,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Nothing to charge and no hold to take: skip payment entirely.
	if !c.IsEscrow && money.IsZero(c.Commission) {
		c.Status = StatusActive
	}

	if err := s.store.Create(ctx, c); err != nil {
		if refErr := s.memberships.Refund(ctx, req.ClientID, quote); refErr != nil {
			s.logger.Error("CRITICAL: free allowance spent but contract was not persisted",
				"jobId", req.JobID, "clientId", req.ClientID, "error", refErr)
		}
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}

	metrics.ContractsCreatedTotal.WithLabelValues(string(c.FreeKind)).Inc()
	return c, nil
}

// SetPaymentStatus mirrors the linked payment's status onto the contract.
// Capturing into escrow moves pending_payment to open. Satisfies the
// payments ContractMirror interface through a server-side adapter.
func (s *Service) SetPaymentStatus(ctx context.Context, id, paymentID, status string) error {
	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	c.PaymentStatus = status
	if c.PaymentID == "" {
		c.PaymentID = paymentID
	}
	if c.Status == StatusPendingPayment && (status == "held_escrow" || status == "completed") {
		c.Status = StatusOpen
	}
	c.UpdatedAt = s.now()

	return s.store.Update(ctx, c)
}

// Accept records the doer agreeing to the contract terms.
func (s *Service) Accept(ctx context.Context, id, actorID string) (*Contract, error) {
	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.DoerID {
		return nil, ErrUnauthorized
	}
	if c.Status != StatusOpen {
		return nil, fmt.Errorf("%w: cannot accept contract in status %s", ErrPreconditionFailed, c.Status)
	}

	c.Status = StatusAccepted
	c.UpdatedAt = s.now()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Activate starts the work. Requires captured funds on the linked payment.
func (s *Service) Activate(ctx context.Context, id, actorID string) (*Contract, error) {
	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != c.ClientID && actorID != c.DoerID {
		return nil, ErrUnauthorized
	}
	if c.Status != StatusAccepted {
		return nil, fmt.Errorf("%w: cannot activate contract in status %s", ErrPreconditionFailed, c.Status)
	}
	if c.PaymentStatus != "held_escrow" && c.PaymentStatus != "completed" {
		return nil, fmt.Errorf("%w: payment not captured", ErrPreconditionFailed)
	}

	c.Status = StatusActive
	c.UpdatedAt = s.now()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}

	s.publish(ctx, "contract.activated", c)
	return c, nil
}

// Complete finishes an active contract. The client (or a resolver)
// completes immediately and the escrow releases; the doer can only
// request completion, which lands after the grace window unless the
// client objects by opening a dispute.
func (s *Service) Complete(ctx context.Context, id, actorID string, resolver bool) (*Contract, error) {
	mu := s.contractLock(id)
	mu.Lock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if c.Status != StatusActive {
		mu.Unlock()
		return nil, fmt.Errorf("%w: cannot complete contract in status %s", ErrPreconditionFailed, c.Status)
	}

	switch {
	case resolver || actorID == c.ClientID:
		c, err = s.completeLocked(ctx, c)
		mu.Unlock()
		if err != nil {
			return nil, err
		}
		s.releaseEscrow(ctx, c, actorID, resolver)
		return c, nil
	case actorID == c.DoerID:
		defer mu.Unlock()
		if c.CompletionRequestedAt != nil {
			return c, nil
		}
		now := s.now()
		c.CompletionRequestedAt = &now
		c.UpdatedAt = now
		if err := s.store.Update(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		mu.Unlock()
		return nil, ErrUnauthorized
	}
}

// completeLocked stamps completion and persists it. Caller must hold the
// contract lock and have verified the active status.
func (s *Service) completeLocked(ctx context.Context, c *Contract) (*Contract, error) {
	now := s.now()
	c.Status = StatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}

	metrics.ContractsCompletedTotal.Inc()
	s.publish(ctx, "contract.completed", c)
	return c, nil
}

// releaseEscrow asks the payments service to release the hold backing a
// completed contract. Must run with the contract lock dropped: the release
// mirrors the payment status back onto this contract and takes the lock
// itself.
func (s *Service) releaseEscrow(ctx context.Context, c *Contract, actorID string, resolver bool) {
	if s.releaser == nil || c.PaymentID == "" || c.PaymentStatus != "held_escrow" {
		return
	}
	if err := s.releaser.Release(ctx, c.PaymentID, actorID, resolver); err != nil {
		// The contract completed; the hold is released by the
		// reconciliation path or an operator if this keeps failing.
		s.logger.Error("contract completed but escrow release failed",
			"contractId", c.ID, "paymentId", c.PaymentID, "error", err)
	}
}

// Cancel abandons a contract before funds are held. Allowed for either
// party or a resolver; a spent free slot is credited back.
func (s *Service) Cancel(ctx context.Context, id, actorID string, resolver bool, reason string) (*Contract, error) {
	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !resolver && actorID != c.ClientID && actorID != c.DoerID {
		return nil, ErrUnauthorized
	}
	switch c.Status {
	case StatusPendingPayment, StatusOpen, StatusAccepted:
		// cancellable
	default:
		return nil, fmt.Errorf("%w: cannot cancel contract in status %s", ErrPreconditionFailed, c.Status)
	}
	if c.FundsHeld() {
		return nil, fmt.Errorf("%w: funds already held, open a dispute instead", ErrPreconditionFailed)
	}

	now := s.now()
	c.Status = StatusCancelled
	c.CancelledBy = actorID
	c.CancelledReason = reason
	c.CancelledAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}

	if c.FreeKind != FreeKindNone {
		if err := s.memberships.Refund(ctx, c.ClientID, quoteFor(c.FreeKind)); err != nil {
			s.logger.Warn("failed to credit back free allowance on cancel",
				"contractId", c.ID, "clientId", c.ClientID, "error", err)
		}
	}
	return c, nil
}

// MarkDisputed freezes a contract under an open dispute. The filing
// window is enforced by the dispute coordinator; this only guards state.
func (s *Service) MarkDisputed(ctx context.Context, id, disputeID string) (*Contract, error) {
	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive && c.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: cannot dispute contract in status %s", ErrPreconditionFailed, c.Status)
	}

	now := s.now()
	c.Status = StatusDisputed
	c.DisputeID = disputeID
	c.DisputedAt = &now
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ResolveDispute moves a disputed contract to its decided final state and
// clears the dispute linkage. resolvedBy is the arbiter whose decision is
// being applied.
func (s *Service) ResolveDispute(ctx context.Context, id string, final Status, resolvedBy string) (*Contract, error) {
	if final != StatusCompleted && final != StatusCancelled {
		return nil, fmt.Errorf("%w: disputes resolve to completed or cancelled", ErrPreconditionFailed)
	}

	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: contract is not disputed", ErrPreconditionFailed)
	}

	now := s.now()
	c.Status = final
	c.DisputeID = ""
	c.UpdatedAt = now
	switch final {
	case StatusCompleted:
		if c.CompletedAt == nil {
			c.CompletedAt = &now
		}
	case StatusCancelled:
		c.CancelledAt = &now
		c.CancelledBy = resolvedBy
		c.CancelledReason = "dispute resolved in client favor"
	}

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ClearDispute returns a disputed contract to where it was before the
// dispute. Used when the initiator withdraws.
func (s *Service) ClearDispute(ctx context.Context, id string) (*Contract, error) {
	mu := s.contractLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: contract is not disputed", ErrPreconditionFailed)
	}

	if c.CompletedAt != nil {
		c.Status = StatusCompleted
	} else {
		c.Status = StatusActive
	}
	c.DisputeID = ""
	c.UpdatedAt = s.now()

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CompleteDueRequests completes contracts whose doer-requested completion
// passed the grace window without the client objecting. Called by the
// timer loop.
func (s *Service) CompleteDueRequests(ctx context.Context) {
	due, err := s.store.ListCompletionDue(ctx, s.now().Add(-s.grace), 100)
	if err != nil {
		s.logger.Warn("failed to list completion-due contracts", "error", err)
		return
	}

	for _, c := range due {
		mu := s.contractLock(c.ID)
		mu.Lock()

		fresh, err := s.store.Get(ctx, c.ID)
		if err != nil || fresh.Status != StatusActive || fresh.CompletionRequestedAt == nil {
			mu.Unlock()
			continue
		}

		fresh, err = s.completeLocked(ctx, fresh)
		mu.Unlock()
		if err != nil {
			s.logger.Error("auto-completion failed", "contractId", c.ID, "error", err)
			continue
		}

		// The doer cannot authorize the release; the engine acts as
		// resolver once the grace window ran out unchallenged.
		s.releaseEscrow(ctx, fresh, systemActor, true)
		s.logger.Info("contract auto-completed after grace window",
			"contractId", fresh.ID, "requestedAt", fresh.CompletionRequestedAt)
	}
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// GetByJob returns the contract attached to a job.
func (s *Service) GetByJob(ctx context.Context, jobID string) (*Contract, error) {
	return s.store.GetByJob(ctx, jobID)
}

// ListByUser returns contracts where the user is client or doer,
// optionally filtered by status.
func (s *Service) ListByUser(ctx context.Context, userID, status string, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, status, limit)
}

func (s *Service) publish(ctx context.Context, eventType string, c *Contract) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, map[string]interface{}{
		"contractId": c.ID,
		"jobId":      c.JobID,
		"clientId":   c.ClientID,
		"doerId":     c.DoerID,
		"totalPrice": c.TotalPrice,
		"currency":   c.Currency,
		"status":     string(c.Status),
	})
}

func freeKind(q commission.Quote) FreeKind {
	switch {
	case q.ConsumesLifetimeFree:
		return FreeKindLifetime
	case q.ConsumesMonthlyFree:
		return FreeKindMonthly
	}
	return FreeKindNone
}

func quoteFor(kind FreeKind) commission.Quote {
	switch kind {
	case FreeKindLifetime:
		return commission.Quote{ConsumesLifetimeFree: true}
	case FreeKindMonthly:
		return commission.Quote{ConsumesMonthlyFree: true}
	}
	return commission.Quote{}
}
