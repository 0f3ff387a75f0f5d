package contracts

import (
	"context"
	"log/slog"
	"time"
)

// Timer periodically completes contracts whose doer-requested completion
// passed the grace window without a client response.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a completion sweep timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 60 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.service.CompleteDueRequests(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
