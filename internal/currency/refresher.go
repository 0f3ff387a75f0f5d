package currency

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Refresher periodically re-fetches the configured currency pairs so
// conversions almost always hit a warm cache.
type Refresher struct {
	converter *Converter
	pairs     [][2]string
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewRefresher creates a refresher for the given pairs ([from, to]).
func NewRefresher(converter *Converter, pairs [][2]string, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		converter: converter,
		pairs:     pairs,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start begins the refresh loop. Call in a goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	// Warm the cache immediately so the first conversion doesn't block.
	r.safeRefresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRefresh(ctx)
		}
	}
}

// Stop signals the refresher to stop.
func (r *Refresher) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Refresher) safeRefresh(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in currency refresher", "panic", fmt.Sprint(rec))
		}
	}()
	for _, pair := range r.pairs {
		if err := r.converter.Refresh(ctx, pair[0], pair[1]); err != nil {
			r.logger.Warn("rate refresh failed", "from", pair[0], "to", pair[1], "error", err)
			continue
		}
		r.logger.Debug("rate refreshed", "from", pair[0], "to", pair[1])
	}
}
