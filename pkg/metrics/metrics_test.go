package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/marketlens/marketlens/pkg/metrics"
)

// Vec collectors gather nothing until they have at least one child, so
// give every family a child before asserting visibility.
func touchAll() {
	metrics.UpstreamCalls.WithLabelValues("tradier", "ok").Inc()
	metrics.UpstreamLatency.WithLabelValues("tradier").Observe(0.05)
	metrics.BreakerState.WithLabelValues("tradier").Set(0)
	metrics.BreakerShortCircuits.WithLabelValues("tradier").Inc()
	metrics.CacheLookups.WithLabelValues("fresh").Inc()
	metrics.CacheEntries.Set(0)
	metrics.QuotesRejected.WithLabelValues("crossed").Inc()
	metrics.BroadcastEnqueued.WithLabelValues("quote").Inc()
	metrics.BroadcastDrops.Add(0)
	metrics.ConnectedClients.Set(0)
	metrics.DegradedClients.Set(0)
	metrics.SchedulerBatchSize.Observe(1)
	metrics.WorkingSetSize.Set(0)
	metrics.GreeksComputed.WithLabelValues("ok").Inc()
}

// The /metrics endpoint serves the default registry, so every collector
// this package declares must land there, and nothing else may squat on
// the marketlens_ prefix.
func TestCollectorsRegisteredOnDefaultRegistry(t *testing.T) {
	touchAll()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	want := map[string]bool{
		"marketlens_upstream_calls_total":         false,
		"marketlens_upstream_latency_seconds":     false,
		"marketlens_breaker_state":                false,
		"marketlens_breaker_short_circuits_total": false,
		"marketlens_quote_cache_lookups_total":    false,
		"marketlens_quote_cache_entries":          false,
		"marketlens_quotes_rejected_total":        false,
		"marketlens_broadcast_enqueued_total":     false,
		"marketlens_broadcast_drops_total":        false,
		"marketlens_connected_clients":            false,
		"marketlens_degraded_clients":             false,
		"marketlens_scheduler_batch_size":         false,
		"marketlens_scheduler_working_set":        false,
		"marketlens_greeks_computed_total":        false,
	}
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "marketlens_") {
			continue
		}
		_, expected := want[name]
		require.True(t, expected, "unexpected metric family %s on the default registry", name)
		want[name] = true
	}
	for name, seen := range want {
		require.True(t, seen, "metric family %s not gathered from the default registry", name)
	}
}

func TestCounterChildrenAreIndependent(t *testing.T) {
	metrics.UpstreamCalls.WithLabelValues("alpaca", "auth").Inc()
	metrics.UpstreamCalls.WithLabelValues("alpaca", "auth").Inc()
	metrics.UpstreamCalls.WithLabelValues("alpaca", "ok").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "marketlens_upstream_calls_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var adapter, outcome string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "adapter":
					adapter = lp.GetValue()
				case "outcome":
					outcome = lp.GetValue()
				}
			}
			values[adapter+"/"+outcome] = m.GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(2), values["alpaca/auth"])
	require.Equal(t, float64(1), values["alpaca/ok"])
}
