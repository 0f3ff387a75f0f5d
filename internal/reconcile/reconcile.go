// Package reconcile sweeps for settlement records that have drifted out of
// their expected lifecycle, starting with payments stuck in pending. A
// payment stays pending only while the gateway capture is in flight;
// anything pending past the threshold usually means a lost webhook or an
// abandoned checkout and needs an operator (or a retried capture) to move
// it along.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/doerly/settlement/internal/metrics"
	"github.com/doerly/settlement/internal/payments"
)

// DefaultPendingThreshold is how long a payment may sit in pending before
// the sweep flags it.
const DefaultPendingThreshold = time.Hour

const sweepBatchSize = 500

// PendingLister is the slice of the payment store the sweep needs.
type PendingLister interface {
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*payments.Payment, error)
}

// Result holds the outcome of a single sweep.
type Result struct {
	StuckPending int        `json:"stuckPending"`
	OldestSince  *time.Time `json:"oldestSince,omitempty"`
}

// Runner performs reconciliation sweeps.
type Runner struct {
	store     PendingLister
	threshold time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(store PendingLister, logger *slog.Logger) *Runner {
	return &Runner{
		store:     store,
		threshold: DefaultPendingThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// WithPendingThreshold overrides the stuck-pending threshold.
func (r *Runner) WithPendingThreshold(d time.Duration) *Runner {
	if d > 0 {
		r.threshold = d
	}
	return r
}

// Run executes one sweep and updates the stuck-pending gauge.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := r.now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := r.now().Add(-r.threshold)
	stuck, err := r.store.ListPendingBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}

	result := &Result{StuckPending: len(stuck)}
	for _, p := range stuck {
		if result.OldestSince == nil || p.CreatedAt.Before(*result.OldestSince) {
			t := p.CreatedAt
			result.OldestSince = &t
		}
		r.logger.Warn("payment stuck in pending",
			"paymentId", p.ID,
			"orderId", p.GatewayOrderID,
			"contractId", p.ContractID,
			"amount", p.Amount,
			"currency", p.Currency,
			"age", r.now().Sub(p.CreatedAt).Round(time.Second).String(),
		)
	}

	metrics.StuckPendingPayments.Set(float64(len(stuck)))
	return result, nil
}
