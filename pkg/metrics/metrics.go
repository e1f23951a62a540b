// Package metrics exports node counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
)

// Metrics owns its registry so several nodes can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	OrdersCreated   prometheus.Counter
	OrdersCancelled prometheus.Counter
	Settlements     *prometheus.CounterVec // path: buy | accept
	BidsClosed      *prometheus.CounterVec // status
	FeesGenerated   *prometheus.CounterVec // asset
	TxRejected      *prometheus.CounterVec // kind, reason
	Reverted        *prometheus.CounterVec // error kind
	BlockHeight     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_orders_created_total",
			Help: "Orders listed.",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_orders_cancelled_total",
			Help: "Orders cancelled by their seller.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_settlements_total",
			Help: "Completed sales by settlement path.",
		}, []string{"path"}),
		BidsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_bids_closed_total",
			Help: "Bids that reached a terminal status.",
		}, []string{"status"}),
		FeesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_fees_generated_total",
			Help: "Platform fees generated, in base units of the asset.",
		}, []string{"asset"}),
		TxRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_tx_rejected_total",
			Help: "Transactions that did not apply.",
		}, []string{"kind", "reason"}),
		Reverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_operations_reverted_total",
			Help: "Engine operations reverted, by error kind.",
		}, []string{"error"}),
		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_block_height",
			Help: "Height of the last applied block.",
		}),
	}
	m.registry.MustRegister(
		m.OrdersCreated, m.OrdersCancelled, m.Settlements, m.BidsClosed,
		m.FeesGenerated, m.TxRejected, m.Reverted, m.BlockHeight,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvent counts one engine event.
func (m *Metrics) ObserveEvent(ev escrow.Event) {
	switch ev.Kind {
	case escrow.EventOrderCreated:
		m.OrdersCreated.Inc()
	case escrow.EventOrderCancelled:
		m.OrdersCancelled.Inc()
	case escrow.EventPurchase:
		m.Settlements.WithLabelValues("buy").Inc()
		m.addFee(ev)
	case escrow.EventBidAccepted:
		m.Settlements.WithLabelValues("accept").Inc()
		m.BidsClosed.WithLabelValues(escrow.BidAccepted.String()).Inc()
		m.addFee(ev)
	case escrow.EventBidRejected, escrow.EventRefundCredited:
		m.BidsClosed.WithLabelValues(escrow.BidRejected.String()).Inc()
	case escrow.EventBidWithdrawn:
		m.BidsClosed.WithLabelValues(escrow.BidWithdrawn.String()).Inc()
	}
}

func (m *Metrics) addFee(ev escrow.Event) {
	if ev.Fee > 0 {
		m.FeesGenerated.WithLabelValues(ev.Asset.Hex()).Add(float64(ev.Fee))
	}
}

// ObserveRejected counts a transaction that failed before or inside the engine.
// Engine failures are also counted as reverts.
func (m *Metrics) ObserveRejected(kind, reason string, engineErr bool) {
	m.TxRejected.WithLabelValues(kind, reason).Inc()
	if engineErr {
		m.Reverted.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ObserveBlock(height uint64) {
	m.BlockHeight.Set(float64(height))
}
