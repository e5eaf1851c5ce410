package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type EscrowMetrics struct {
	events             *prometheus.CounterVec
	openEscrows        prometheus.Gauge
	settlementFailures *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrowd_events_total",
				Help: "Count of lifecycle events emitted by the escrow engine, by type.",
			}, []string{"type"}),
			openEscrows: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrowd_open_escrows",
				Help: "Number of escrows currently in a non-terminal state.",
			}),
			settlementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrowd_settlement_failures_total",
				Help: "Count of custody transfers that failed during settlement, by operation.",
			}, []string{"op"}),
			webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrowd_webhook_deliveries_total",
				Help: "Count of webhook delivery attempts by destination and outcome.",
			}, []string{"destination", "outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.events,
			escrowRegistry.openEscrows,
			escrowRegistry.settlementFailures,
			escrowRegistry.webhookDeliveries,
		)
	})
	return escrowRegistry
}

// Handler exposes the default registry for the metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *EscrowMetrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *EscrowMetrics) IncOpenEscrows() {
	if m == nil {
		return
	}
	m.openEscrows.Inc()
}

func (m *EscrowMetrics) DecOpenEscrows() {
	if m == nil {
		return
	}
	m.openEscrows.Dec()
}

func (m *EscrowMetrics) IncSettlementFailure(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.settlementFailures.WithLabelValues(op).Inc()
}

func (m *EscrowMetrics) ObserveWebhookDelivery(destination, outcome string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookDeliveries.WithLabelValues(destination, outcome).Inc()
}
