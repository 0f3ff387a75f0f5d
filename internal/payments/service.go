package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/doerly/settlement/internal/circuitbreaker"
	"github.com/doerly/settlement/internal/gateway"
	"github.com/doerly/settlement/internal/idgen"
	"github.com/doerly/settlement/internal/metrics"
	"github.com/doerly/settlement/internal/money"
	"github.com/doerly/settlement/internal/retry"
)

// Converter converts local amounts into the settlement currency.
type Converter interface {
	Convert(ctx context.Context, amount, from, to string) (string, error)
}

const breakerKey = "gateway"

// Service implements payment business logic.
type Service struct {
	store     Store
	gateway   gateway.Gateway
	converter Converter
	currency  string // settlement currency, e.g. "USD"
	logger    *slog.Logger

	mirror  ContractMirror
	events  Publisher
	breaker *circuitbreaker.Breaker

	locks sync.Map // per-payment ID locks: webhook and direct capture serialize here
}

// NewService creates a payment service. settlementCurrency is the
// currency all gateway charges are made in.
func NewService(store Store, gw gateway.Gateway, converter Converter, settlementCurrency string, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		gateway:   gw,
		converter: converter,
		currency:  strings.ToUpper(settlementCurrency),
		logger:    logger,
	}
}

// WithContractMirror adds contract payment-status mirroring.
func (s *Service) WithContractMirror(m ContractMirror) *Service {
	s.mirror = m
	return s
}

// WithPublisher adds settlement event publishing.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// WithBreaker adds a circuit breaker around gateway calls.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.breaker = b
	return s
}

// paymentLock returns a mutex for the given payment ID.
func (s *Service) paymentLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// callGateway runs fn with retry/backoff for transient failures, guarded
// by the circuit breaker when one is configured. ErrRejected is permanent
// and never retried.
func (s *Service) callGateway(ctx context.Context, fn func() error) error {
	if s.breaker != nil && !s.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", gateway.ErrUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := retry.Do(callCtx, 3, 500*time.Millisecond, func() error {
		err := fn()
		if errors.Is(err, gateway.ErrRejected) {
			return retry.Permanent(err)
		}
		return err
	})

	if s.breaker != nil {
		// Rejections mean the gateway is healthy and said no.
		if err == nil || errors.Is(err, gateway.ErrRejected) {
			s.breaker.RecordSuccess(breakerKey)
		} else {
			s.breaker.RecordFailure(breakerKey)
		}
	}
	return err
}

// Initiate creates a gateway order for the payer to approve and persists
// the pending payment. Returns the payment with the approval URL.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Payment, string, error) {
	if !money.IsPositive(req.LocalAmount) {
		return nil, "", ErrInvalidAmount
	}
	if req.FeeAmount != "" && money.Cmp(req.FeeAmount, "0") < 0 {
		return nil, "", ErrInvalidAmount
	}

	amount, err := s.converter.Convert(ctx, req.LocalAmount, req.LocalCurrency, s.currency)
	if err != nil {
		return nil, "", fmt.Errorf("currency conversion failed: %w", err)
	}

	now := time.Now()
	p := &Payment{
		ID:            idgen.WithPrefix("pay_"),
		ContractID:    req.ContractID,
		JobID:         req.JobID,
		PayerID:       req.PayerID,
		RecipientID:   req.RecipientID,
		Amount:        amount,
		Currency:      s.currency,
		LocalAmount:   money.Add(req.LocalAmount, "0"),
		LocalCurrency: strings.ToUpper(req.LocalCurrency),
		Status:        StatusPending,
		FeeAmount:     req.FeeAmount,
		IsEscrow:      req.IsEscrow,
		Description:   req.Description,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var order *gateway.Order
	err = s.callGateway(ctx, func() error {
		var gerr error
		order, gerr = s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
			Amount:      p.Amount,
			Currency:    p.Currency,
			Description: p.Description,
			Reference:   p.ID,
			Metadata:    map[string]string{"contractId": p.ContractID, "jobId": p.JobID},
		})
		return gerr
	})
	if err != nil {
		return nil, "", err
	}
	p.GatewayOrderID = order.OrderID

	if err := s.store.Create(ctx, p); err != nil {
		// The gateway order dangles unapproved and expires on its own;
		// nothing was captured.
		return nil, "", fmt.Errorf("failed to persist payment: %w", err)
	}

	metrics.PaymentsInitiatedTotal.Inc()
	return p, order.ApprovalURL, nil
}

// Capture captures an approved gateway order. Idempotent: a payment that
// already captured for this order is returned unchanged, so the webhook
// and a direct capture call can both run.
func (s *Service) Capture(ctx context.Context, orderID string) (*Payment, error) {
	p, err := s.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	mu := s.paymentLock(p.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under lock: a racing capture may have just finished.
	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusHeldEscrow, StatusCompleted:
		return p, nil // already captured
	case StatusPending:
		// proceed
	default:
		return nil, fmt.Errorf("%w: cannot capture payment in status %s", ErrPreconditionFailed, p.Status)
	}

	var capture *gateway.Capture
	err = s.callGateway(ctx, func() error {
		var gerr error
		capture, gerr = s.gateway.CaptureOrder(ctx, orderID)
		return gerr
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			s.markFailed(ctx, p, err.Error())
			metrics.PaymentsFailedTotal.Inc()
		}
		return nil, err
	}

	now := time.Now()
	if p.IsEscrow {
		p.Status = StatusHeldEscrow
	} else {
		p.Status = StatusCompleted
	}
	p.GatewayCaptureID = capture.CaptureID
	p.PayerGatewayID = capture.PayerID
	p.PayerEmail = capture.PayerEmail
	p.CapturedAt = &now
	p.UpdatedAt = now

	if err := s.updateAfterFundsMoved(ctx, p, "capture"); err != nil {
		return nil, err
	}

	metrics.PaymentsCapturedTotal.WithLabelValues(string(p.Status)).Inc()
	s.mirrorContract(ctx, p)
	s.publish(ctx, "payment.captured", p)
	return p, nil
}

// ReleaseEscrow moves a held escrow payment to completed. Allowed for the
// payer (client confirming delivery) or a resolver.
func (s *Service) ReleaseEscrow(ctx context.Context, id string, actor Actor) (*Payment, error) {
	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.Resolver && actor.UserID != p.PayerID {
		return nil, ErrUnauthorized
	}
	if p.Status != StatusHeldEscrow {
		return nil, fmt.Errorf("%w: cannot release payment in status %s", ErrPreconditionFailed, p.Status)
	}

	now := time.Now()
	p.Status = StatusCompleted
	p.ReleasedBy = actor.UserID
	p.ReleasedAt = &now
	p.UpdatedAt = now

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	metrics.EscrowReleasedTotal.Inc()
	s.mirrorContract(ctx, p)
	s.publish(ctx, "escrow.released", p)
	return p, nil
}

// Refund returns captured funds to the payer via the gateway. Allowed
// for the recipient (worker agreeing to refund) or a resolver.
func (s *Service) Refund(ctx context.Context, id string, actor Actor, reason string) (*Payment, error) {
	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !actor.Resolver && actor.UserID != p.RecipientID {
		return nil, ErrUnauthorized
	}
	if p.Status != StatusHeldEscrow && p.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: cannot refund payment in status %s", ErrPreconditionFailed, p.Status)
	}
	if !p.Captured() {
		return nil, ErrNotRefundable
	}

	return s.refundLocked(ctx, p, actor, reason, p.Amount, StatusRefunded)
}

// refundLocked performs the gateway refund and state change. Caller must
// hold the payment lock. amount may be partial; finalStatus is the
// payment status after the refund (refunded, or completed for splits).
func (s *Service) refundLocked(ctx context.Context, p *Payment, actor Actor, reason, amount string, finalStatus Status) (*Payment, error) {
	var ref *gateway.RefundResult
	err := s.callGateway(ctx, func() error {
		var gerr error
		ref, gerr = s.gateway.Refund(ctx, p.GatewayCaptureID, amount, p.Currency)
		return gerr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.Status = finalStatus
	p.GatewayRefundID = ref.RefundID
	p.RefundReason = reason
	p.RefundedBy = actor.UserID
	p.RefundedAt = &now
	p.RefundAmount = amount
	p.UpdatedAt = now

	if err := s.updateAfterFundsMoved(ctx, p, "refund"); err != nil {
		return nil, err
	}

	metrics.PaymentsRefundedTotal.Inc()
	s.mirrorContract(ctx, p)
	s.publish(ctx, "payment.refunded", p)
	return p, nil
}

// MarkCaptureDenied records a capture the gateway reported as denied.
// Idempotent for already-failed payments.
func (s *Service) MarkCaptureDenied(ctx context.Context, orderID string) (*Payment, error) {
	p, err := s.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	mu := s.paymentLock(p.ID)
	mu.Lock()
	defer mu.Unlock()

	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusFailed {
		return p, nil
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot fail payment in status %s", ErrPreconditionFailed, p.Status)
	}

	p.Status = StatusFailed
	p.FailureReason = "gateway denied capture"
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	metrics.PaymentsFailedTotal.Inc()
	return p, nil
}

// MarkDisputed freezes a payment under an open dispute.
func (s *Service) MarkDisputed(ctx context.Context, id, disputeID string) (*Payment, error) {
	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusHeldEscrow && p.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: cannot dispute payment in status %s", ErrPreconditionFailed, p.Status)
	}

	p.Status = StatusDisputed
	p.DisputeID = disputeID
	p.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Unfreeze returns a disputed payment to the state it held before the
// dispute. Used when the initiator withdraws.
func (s *Service) Unfreeze(ctx context.Context, id string) (*Payment, error) {
	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: payment is not disputed", ErrPreconditionFailed)
	}

	// An unreleased escrow hold goes back to held; anything else had
	// already settled to the recipient.
	if p.IsEscrow && p.ReleasedAt == nil {
		p.Status = StatusHeldEscrow
	} else {
		p.Status = StatusCompleted
	}
	p.DisputeID = ""
	p.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveDispute applies an arbiter decision to a disputed payment.
// clientShare is only read for split decisions and must be positive and
// strictly below the payment amount.
func (s *Service) ResolveDispute(ctx context.Context, id string, actor Actor, decision, clientShare string) (*Payment, error) {
	if !actor.Resolver {
		return nil, ErrUnauthorized
	}

	mu := s.paymentLock(id)
	mu.Lock()
	defer mu.Unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: payment is not disputed", ErrPreconditionFailed)
	}

	switch decision {
	case DecisionReleaseToWorker:
		now := time.Now()
		p.Status = StatusCompleted
		p.ReleasedBy = actor.UserID
		p.ReleasedAt = &now
		p.UpdatedAt = now
		if err := s.store.Update(ctx, p); err != nil {
			return nil, err
		}
		metrics.EscrowReleasedTotal.Inc()
		s.mirrorContract(ctx, p)
		s.publish(ctx, "escrow.released", p)
		return p, nil

	case DecisionRefundToClient:
		if !p.Captured() {
			return nil, ErrNotRefundable
		}
		return s.refundLocked(ctx, p, actor, "dispute resolved in client favor", p.Amount, StatusRefunded)

	case DecisionSplit:
		if !p.Captured() {
			return nil, ErrNotRefundable
		}
		if !money.IsPositive(clientShare) || money.Cmp(clientShare, p.Amount) >= 0 {
			return nil, fmt.Errorf("%w: split share must be positive and below the payment amount", ErrInvalidAmount)
		}
		// Client share goes back through the gateway; the remainder is
		// released to the worker on the same record.
		updated, err := s.refundLocked(ctx, p, actor, "dispute resolved with split", clientShare, StatusCompleted)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		updated.ReleasedBy = actor.UserID
		updated.ReleasedAt = &now
		updated.UpdatedAt = now
		if err := s.store.Update(ctx, updated); err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("%w: unknown decision %q", ErrPreconditionFailed, decision)
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns payments where the user is payer or recipient.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// markFailed records a gateway denial. Best effort: the payment stays
// pending if the write loses a race, and the next capture retries.
func (s *Service) markFailed(ctx context.Context, p *Payment, reason string) {
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, p); err != nil {
		s.logger.Warn("failed to mark payment failed", "paymentId", p.ID, "error", err)
	}
}

// updateAfterFundsMoved persists a state change that follows real money
// movement at the gateway. Retries once; an unrecoverable failure is
// logged for manual resolution since the gateway call cannot be undone.
func (s *Service) updateAfterFundsMoved(ctx context.Context, p *Payment, op string) error {
	if err := s.store.Update(ctx, p); err != nil {
		if retryErr := s.store.Update(ctx, p); retryErr != nil {
			s.logger.Error("CRITICAL: gateway funds moved but payment record is stale",
				"paymentId", p.ID, "op", op, "captureId", p.GatewayCaptureID, "error", retryErr)
			return fmt.Errorf("failed to update payment after %s (requires manual resolution): %w", op, err)
		}
	}
	return nil
}

func (s *Service) mirrorContract(ctx context.Context, p *Payment) {
	if s.mirror == nil || p.ContractID == "" {
		return
	}
	if err := s.mirror.SetPaymentStatus(ctx, p.ContractID, p.ID, string(p.Status)); err != nil {
		s.logger.Warn("failed to mirror payment status onto contract",
			"paymentId", p.ID, "contractId", p.ContractID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, p *Payment) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, eventType, map[string]interface{}{
		"paymentId":  p.ID,
		"contractId": p.ContractID,
		"payerId":    p.PayerID,
		"amount":     p.Amount,
		"currency":   p.Currency,
		"status":     string(p.Status),
	})
}
