package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doerly/settlement/internal/commission"
	"github.com/doerly/settlement/internal/contracts"
	"github.com/doerly/settlement/internal/idgen"
	"github.com/doerly/settlement/internal/metrics"
	"github.com/doerly/settlement/internal/money"
	"github.com/doerly/settlement/internal/payments"
)

// Service implements dispute business logic.
type Service struct {
	store       Store
	contracts   ContractService
	payments    PaymentService
	memberships Memberships
	logger      *slog.Logger

	events Publisher
	now    func() time.Time

	locks     sync.Map // per-dispute ID locks
	openLocks sync.Map // per-contract ID locks serializing Open
}

// NewService creates a dispute service.
func NewService(store Store, cs ContractService, ps PaymentService, ms Memberships, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		contracts:   cs,
		payments:    ps,
		memberships: ms,
		logger:      logger,
		now:         time.Now,
	}
}

// WithPublisher adds settlement event publishing.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

func (s *Service) disputeLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) openLock(contractID string) *sync.Mutex {
	v, _ := s.openLocks.LoadOrStore(contractID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open files a dispute against a contract and freezes the contract and
// its payment. One open dispute per contract; after completion the
// filing window is 30 days from CompletedAt.
func (s *Service) Open(ctx context.Context, initiatorID string, req OpenRequest) (*Dispute, error) {
	// Serialize per contract so racing opens cannot both pass the
	// duplicate check.
	mu := s.openLock(req.ContractID)
	mu.Lock()
	defer mu.Unlock()

	contract, err := s.contracts.Get(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}

	var respondent string
	switch initiatorID {
	case contract.ClientID:
		respondent = contract.DoerID
	case contract.DoerID:
		respondent = contract.ClientID
	default:
		return nil, ErrUnauthorized
	}

	// The duplicate check runs before the status check: a contract that
	// is already disputed must report the existing dispute, not a
	// generic status failure.
	if existing, err := s.store.GetOpenByContract(ctx, req.ContractID); err == nil && existing.IsOpen() {
		return nil, ErrDuplicateDispute
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	now := s.now()
	switch contract.Status {
	case contracts.StatusActive:
		// always disputable
	case contracts.StatusCompleted:
		if contract.CompletedAt == nil || now.Sub(*contract.CompletedAt) > FilingWindow {
			return nil, ErrFilingWindowClosed
		}
	default:
		return nil, fmt.Errorf("%w: cannot dispute contract in status %s", ErrPreconditionFailed, contract.Status)
	}

	priority := s.priorityFor(ctx, contract, req.Category)
	d := &Dispute{
		ID:               idgen.WithPrefix("dsp_"),
		ContractID:       contract.ID,
		PaymentID:        contract.PaymentID,
		InitiatorID:      initiatorID,
		RespondentID:     respondent,
		Reason:           req.Reason,
		Description:      req.Description,
		Category:         req.Category,
		Status:           StatusOpen,
		Priority:         priority,
		ResponseDeadline: now.Add(priority.ResponseWindow()),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	if _, err := s.contracts.MarkDisputed(ctx, contract.ID, d.ID); err != nil {
		s.closeAbandoned(ctx, d, "contract freeze failed")
		return nil, fmt.Errorf("failed to freeze contract: %w", err)
	}

	if contract.PaymentID != "" {
		if _, err := s.payments.MarkDisputed(ctx, contract.PaymentID, d.ID); err != nil {
			// Compensate: thaw the contract and abandon the dispute.
			if _, clrErr := s.contracts.ClearDispute(ctx, contract.ID); clrErr != nil {
				s.logger.Error("CRITICAL: contract frozen for an abandoned dispute",
					"disputeId", d.ID, "contractId", contract.ID, "error", clrErr)
			}
			s.closeAbandoned(ctx, d, "payment freeze failed")
			return nil, fmt.Errorf("failed to freeze payment: %w", err)
		}
	}

	s.appendSystemMessage(ctx, d.ID, fmt.Sprintf("dispute opened by %s: %s", initiatorID, req.Reason))
	for _, url := range req.Evidence {
		s.appendEvidence(ctx, d.ID, initiatorID, url, "")
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(priority)).Inc()
	s.publish(ctx, "dispute.opened", d)
	return d, nil
}

// priorityFor scores a dispute from contract value, category, and the
// client's tier. Bigger money, fraud claims, and paying subscribers move
// up the arbiter queue.
func (s *Service) priorityFor(ctx context.Context, contract *contracts.Contract, category string) Priority {
	score := 0

	if money.Cmp(contract.TotalPrice, "1000000") >= 0 {
		score += 2
	} else if money.Cmp(contract.TotalPrice, "100000") >= 0 {
		score++
	}

	switch category {
	case "fraud", "payment":
		score += 2
	case "quality":
		score++
	}

	if a, err := s.memberships.Allowances(ctx, contract.ClientID); err == nil {
		switch a.Tier {
		case commission.TierSuperPro:
			score += 2
		case commission.TierPro:
			score++
		}
	}

	switch {
	case score >= 4:
		return PriorityUrgent
	case score >= 3:
		return PriorityHigh
	case score >= 2:
		return PriorityMedium
	}
	return PriorityLow
}

// AddMessage appends to the dispute conversation. Parties and resolvers
// only, while the dispute is open.
func (s *Service) AddMessage(ctx context.Context, disputeID, authorID string, resolver bool, body string) (*Message, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !resolver && authorID != d.InitiatorID && authorID != d.RespondentID {
		return nil, ErrUnauthorized
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: dispute is %s", ErrPreconditionFailed, d.Status)
	}

	m := &Message{
		ID:        idgen.WithPrefix("dmsg_"),
		DisputeID: disputeID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddEvidence appends an evidence reference. Same access rules as
// messages.
func (s *Service) AddEvidence(ctx context.Context, disputeID, authorID string, resolver bool, req EvidenceRequest) (*Evidence, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !resolver && authorID != d.InitiatorID && authorID != d.RespondentID {
		return nil, ErrUnauthorized
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: dispute is %s", ErrPreconditionFailed, d.Status)
	}

	e := &Evidence{
		ID:          idgen.WithPrefix("dev_"),
		DisputeID:   disputeID,
		AuthorID:    authorID,
		URL:         req.URL,
		Description: req.Description,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddEvidence(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Review moves an open dispute under arbiter review.
func (s *Service) Review(ctx context.Context, disputeID, arbiterID string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: cannot review dispute in status %s", ErrPreconditionFailed, d.Status)
	}

	d.Status = StatusUnderReview
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.appendSystemMessage(ctx, d.ID, "dispute taken under review by "+arbiterID)
	return d, nil
}

// Resolve applies an arbiter decision: payment first (that is where the
// money moves), then the contract, then the dispute record.
func (s *Service) Resolve(ctx context.Context, disputeID, arbiterID string, req ResolveRequest) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: dispute is %s", ErrPreconditionFailed, d.Status)
	}

	var contractFinal contracts.Status
	switch req.Decision {
	case payments.DecisionReleaseToWorker, payments.DecisionSplit:
		contractFinal = contracts.StatusCompleted
	case payments.DecisionRefundToClient:
		contractFinal = contracts.StatusCancelled
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrPreconditionFailed, req.Decision)
	}

	if d.PaymentID != "" {
		actor := payments.Actor{UserID: arbiterID, Resolver: true}
		if _, err := s.payments.ResolveDispute(ctx, d.PaymentID, actor, req.Decision, req.ClientShare); err != nil {
			return nil, fmt.Errorf("failed to settle disputed payment: %w", err)
		}
	}

	if _, err := s.contracts.ResolveDispute(ctx, d.ContractID, contractFinal, arbiterID); err != nil {
		// The money already moved per the decision; the contract record
		// lags and needs manual attention if this persists.
		s.logger.Error("CRITICAL: dispute settled but contract update failed",
			"disputeId", d.ID, "contractId", d.ContractID, "error", err)
	}

	now := s.now()
	d.Status = StatusResolved
	d.Decision = req.Decision
	d.Rationale = req.Rationale
	d.ResolvedBy = arbiterID
	d.ResolvedAt = &now
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesResolvedTotal.WithLabelValues(req.Decision).Inc()
	s.publish(ctx, "dispute.resolved", d)
	return d, nil
}

// Withdraw closes an open dispute at the initiator's request and thaws
// the contract and payment.
func (s *Service) Withdraw(ctx context.Context, disputeID, actorID string) (*Dispute, error) {
	mu := s.disputeLock(disputeID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if actorID != d.InitiatorID {
		return nil, ErrUnauthorized
	}
	if !d.IsOpen() {
		return nil, fmt.Errorf("%w: dispute is %s", ErrPreconditionFailed, d.Status)
	}

	if d.PaymentID != "" {
		if _, err := s.payments.Unfreeze(ctx, d.PaymentID); err != nil {
			return nil, fmt.Errorf("failed to unfreeze payment: %w", err)
		}
	}
	if _, err := s.contracts.ClearDispute(ctx, d.ContractID); err != nil {
		s.logger.Error("dispute withdrawn but contract is still frozen",
			"disputeId", d.ID, "contractId", d.ContractID, "error", err)
	}

	d.Status = StatusClosed
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.appendSystemMessage(ctx, d.ID, "dispute withdrawn by initiator")
	return d, nil
}

// EscalatePastDeadline moves open disputes whose response deadline has
// passed into review. Called by the timer loop.
func (s *Service) EscalatePastDeadline(ctx context.Context) {
	due, err := s.store.ListOpenPastDeadline(ctx, s.now(), 100)
	if err != nil {
		s.logger.Warn("failed to list overdue disputes", "error", err)
		return
	}

	for _, d := range due {
		mu := s.disputeLock(d.ID)
		mu.Lock()

		fresh, err := s.store.Get(ctx, d.ID)
		if err != nil || fresh.Status != StatusOpen {
			mu.Unlock()
			continue
		}

		fresh.Status = StatusUnderReview
		fresh.UpdatedAt = s.now()
		if err := s.store.Update(ctx, fresh); err != nil {
			s.logger.Error("failed to escalate dispute", "disputeId", fresh.ID, "error", err)
		} else {
			s.appendSystemMessage(ctx, fresh.ID, "response deadline passed, escalated to review")
			s.logger.Info("dispute escalated past response deadline",
				"disputeId", fresh.ID, "deadline", fresh.ResponseDeadline)
		}
		mu.Unlock()
	}
}

// Get returns a dispute with its message and evidence logs.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, []*Message, []*Evidence, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	ev, err := s.store.ListEvidence(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return d, msgs, ev, nil
}

// closeAbandoned marks a freshly created dispute closed after a freeze
// failure. Best effort.
func (s *Service) closeAbandoned(ctx context.Context, d *Dispute, why string) {
	d.Status = StatusClosed
	d.UpdatedAt = s.now()
	if err := s.store.Update(ctx, d); err != nil {
		s.logger.Error("failed to close abandoned dispute", "disputeId", d.ID, "why", why, "error", err)
	}
}

func (s *Service) appendSystemMessage(ctx context.Context, disputeID, body string) {
	m := &Message{
		ID:        idgen.WithPrefix("dmsg_"),
		DisputeID: disputeID,
		AuthorID:  SystemAuthor,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		s.logger.Warn("failed to append system message", "disputeId", disputeID, "error", err)
	}
}

func (s *Service) appendEvidence(ctx context.Context, disputeID, authorID, url, description string) {
	e := &Evidence{
		ID:          idgen.WithPrefix("dev_"),
		DisputeID:   disputeID,
		AuthorID:    authorID,
		URL:         url,
		Description: description,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddEvidence(ctx, e); err != nil {
		s.logger.Warn("failed to append evidence", "disputeId", disputeID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, d *Dispute) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, map[string]interface{}{
		"disputeId":  d.ID,
		"contractId": d.ContractID,
		"paymentId":  d.PaymentID,
		"priority":   string(d.Priority),
		"status":     string(d.Status),
		"decision":   d.Decision,
	})
}
