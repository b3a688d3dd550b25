package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// UpstreamCalls counts upstream API calls by adapter and outcome
// (ok, auth, rate_limited, unavailable, not_found, timeout, unknown).
var UpstreamCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketlens_upstream_calls_total",
		Help: "Total upstream API calls by adapter and outcome",
	},
	[]string{"adapter", "outcome"},
)

// UpstreamLatency records latency distribution of upstream calls
var UpstreamLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "marketlens_upstream_latency_seconds",
		Help:    "Latency in seconds of upstream API calls",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"adapter"},
)

// BreakerState exposes the circuit state per adapter (0=closed, 1=open, 2=half-open)
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketlens_breaker_state",
		Help: "Circuit breaker state per upstream adapter (0=closed, 1=open, 2=half-open)",
	},
	[]string{"adapter"},
)

// BreakerShortCircuits counts calls rejected without hitting the network
var BreakerShortCircuits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketlens_breaker_short_circuits_total",
		Help: "Calls rejected by an open circuit breaker",
	},
	[]string{"adapter"},
)

// Quote cache accounting
var (
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlens_quote_cache_lookups_total",
			Help: "Quote cache lookups by freshness result",
		},
		[]string{"freshness"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlens_quote_cache_entries",
			Help: "Number of symbols currently cached",
		},
	)

	QuotesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlens_quotes_rejected_total",
			Help: "Quotes dropped before caching (crossed, non_monotonic, duplicate)",
		},
		[]string{"reason"},
	)
)

// Broadcast accounting
var (
	BroadcastEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketlens_broadcast_enqueued_total",
			Help: "Stream messages enqueued to client send queues by type; subtract drops for messages that reached the wire",
		},
		[]string{"type"},
	)

	BroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketlens_broadcast_drops_total",
			Help: "Oldest-first drops caused by full client queues",
		},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlens_connected_clients",
			Help: "Currently connected push-channel clients",
		},
	)

	DegradedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlens_degraded_clients",
			Help: "Connected clients flagged degraded after queue overflow",
		},
	)
)

// Scheduler accounting
var (
	SchedulerBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketlens_scheduler_batch_size",
			Help:    "Symbols per upstream quote batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
	)

	WorkingSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketlens_scheduler_working_set",
			Help: "Symbols with at least one active subscriber",
		},
	)
)

// Greeks accounting
var GreeksComputed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketlens_greeks_computed_total",
		Help: "Greeks computations by outcome (ok, invalid_input)",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(UpstreamCalls, UpstreamLatency)
	prometheus.MustRegister(BreakerState, BreakerShortCircuits)
	prometheus.MustRegister(CacheLookups, CacheEntries, QuotesRejected)
	prometheus.MustRegister(BroadcastEnqueued, BroadcastDrops, ConnectedClients, DegradedClients)
	prometheus.MustRegister(SchedulerBatchSize, WorkingSetSize)
	prometheus.MustRegister(GreeksComputed)
}
