package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts processed orders by side and outcome.
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "velora_orders_processed_total",
		Help: "Total number of orders processed by the matching engine",
	},
	[]string{"side", "outcome"},
)

// OrderLatency records latency distribution for order processing.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "velora_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// TradesMatched counts trades produced by the matching engine per market.
var TradesMatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "velora_trades_matched_total",
		Help: "Total number of trades produced by matching",
	},
	[]string{"market"},
)

// Settlement pipeline metrics.
var (
	SettlementBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velora_settlement_batches_total",
			Help: "Settlement batches by final submission outcome",
		},
		[]string{"outcome"},
	)

	SettlementRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "velora_settlement_retries_total",
			Help: "Settlement batch submission retries",
		},
	)

	ReconcilerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velora_reconciler_events_total",
			Help: "Settlement network events by reconciliation result",
		},
		[]string{"result"},
	)
)

// WSConnections tracks active broadcast-layer connections.
var WSConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "velora_ws_connections",
		Help: "Number of active websocket connections",
	},
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrderLatency, TradesMatched)
	prometheus.MustRegister(SettlementBatches, SettlementRetries, ReconcilerEvents)
	prometheus.MustRegister(WSConnections)
}
