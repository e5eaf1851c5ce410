package gateway

import (
	"log/slog"
	"sync/atomic"
	"time"

	"escrowd/escrow"
	"escrowd/events"
	"escrowd/observability/metrics"
)

// Notifier receives engine lifecycle events and turns them into the outward
// notification surface: a structured log line, a metrics bump and a queued
// webhook fan-out. It satisfies events.Emitter.
type Notifier struct {
	queue    *WebhookQueue
	logger   *slog.Logger
	metrics  *metrics.EscrowMetrics
	sequence atomic.Int64
	nowFn    func() time.Time
}

func NewNotifier(queue *WebhookQueue, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		queue:   queue,
		logger:  logger,
		metrics: metrics.Escrow(),
		nowFn:   time.Now,
	}
}

// Emit implements events.Emitter. It never blocks the engine: queue overflow
// drops the oldest pending delivery.
func (n *Notifier) Emit(evt events.Event) {
	n.logger.Info("escrow event", "type", evt.Type, "escrow", evt.Attributes["id"])
	n.metrics.ObserveEvent(evt.Type)
	switch evt.Type {
	case escrow.EventTypeCreated:
		n.metrics.IncOpenEscrows()
	case escrow.EventTypeCompleted, escrow.EventTypeCancelled, escrow.EventTypeResolved, escrow.EventTypeExpired:
		n.metrics.DecOpenEscrows()
	case escrow.EventTypeSettlementFailed:
		n.metrics.IncSettlementFailure(evt.Attributes["op"])
	}
	if n.queue == nil {
		return
	}
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	n.queue.Enqueue(WebhookEvent{
		Sequence:   n.sequence.Add(1),
		Type:       evt.Type,
		EscrowID:   attrs["id"],
		Attributes: attrs,
		CreatedAt:  n.nowFn().UTC(),
	})
}
