// Package admin provides admin-only endpoints for operating the
// settlement engine: on-demand sweeps and visibility into payments that
// have drifted out of their lifecycle.
package admin

import (
	"context"
	"time"

	"github.com/doerly/settlement/internal/payments"
	"github.com/doerly/settlement/internal/reconcile"
)

// SweepRunner runs a reconciliation sweep on demand.
type SweepRunner interface {
	Run(ctx context.Context) (*reconcile.Result, error)
}

// PendingLister exposes payments stuck in pending.
type PendingLister interface {
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*payments.Payment, error)
}

// CompletionSweeper auto-completes contracts whose worker confirmation
// grace has elapsed.
type CompletionSweeper interface {
	CompleteDueRequests(ctx context.Context)
}

// EscalationSweeper escalates disputes past their response deadline.
type EscalationSweeper interface {
	EscalatePastDeadline(ctx context.Context)
}
