package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts order requests by symbol, side and outcome
// (accepted, rejected reason kind, cancelled).
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pincex_orders_processed_total",
		Help: "Total number of order requests processed by the matching engines",
	},
	[]string{"symbol", "side", "outcome"},
)

// OrderLatency records time spent inside the per-symbol serialization point.
var OrderLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pincex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual order requests",
		Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05},
	},
	[]string{"operation"},
)

// Trade metrics
var (
	TradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_trades_executed_total",
			Help: "Total number of trades executed",
		},
		[]string{"symbol"},
	)

	TradedQuantity = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_traded_quantity_total",
			Help: "Total quantity traded",
		},
		[]string{"symbol"},
	)
)

// Circuit breaker metrics
var (
	HaltsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_halts_triggered_total",
			Help: "Total number of trading halts by symbol and break type",
		},
		[]string{"symbol", "break_type"},
	)

	ActiveHalts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_active_halts",
			Help: "Number of currently active halts (market-wide counts once)",
		},
	)

	CallbackFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_halt_callback_failures_total",
			Help: "Halt/resume subscriber failures that were logged and swallowed",
		},
		[]string{"event"},
	)
)

// Engine health and event pipeline
var (
	InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_engine_invariant_violations_total",
			Help: "Internal invariant violations that froze a symbol",
		},
		[]string{"symbol"},
	)

	DispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_event_dispatch_queue_depth",
			Help: "Events waiting to be delivered to publishers",
		},
	)

	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pincex_event_publish_errors_total",
			Help: "Publisher delivery failures",
		},
		[]string{"publisher"},
	)
)

// WebSocket feed
var (
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pincex_ws_clients",
			Help: "Connected WebSocket clients",
		},
	)

	WSDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pincex_ws_dropped_messages_total",
			Help: "Messages dropped because a client's send buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, OrderLatency)
	prometheus.MustRegister(TradesExecuted, TradedQuantity)
	prometheus.MustRegister(HaltsTriggered, ActiveHalts, CallbackFailures)
	prometheus.MustRegister(InvariantViolations, DispatchQueueDepth, PublishErrors)
	prometheus.MustRegister(WSClients, WSDropped)
}
