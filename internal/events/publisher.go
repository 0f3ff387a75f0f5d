package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/doerly/settlement/internal/idgen"
)

// Publisher is the fire-and-forget face of the dispatcher that the
// settlement services hang their lifecycle notifications on. A nil
// *Publisher is safe to call.
type Publisher struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewPublisher creates an event publisher over a dispatcher.
func NewPublisher(d *Dispatcher, logger *slog.Logger) *Publisher {
	return &Publisher{d: d, logger: logger}
}

// Publish emits a settlement event. Errors are logged, never returned.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if p == nil || p.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(eventType),
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := p.d.Dispatch(ctx, event); err != nil {
		p.logger.Warn("event publish failed", "event", eventType, "error", err)
	}
}
