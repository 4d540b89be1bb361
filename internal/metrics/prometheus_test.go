package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.EntriesAbandoned.Inc()
	prom.Metrics.ForceCloses.Inc()
	prom.Metrics.FeedReconnects.Inc()
	prom.Metrics.SpreadRefreshes.Inc()
	prom.Metrics.TradesRecorded.Inc()
	prom.Metrics.TradesDropped.Inc()

	assertCounter(t, prom.Metrics.OrdersPlaced, 1)
	assertCounter(t, prom.Metrics.OrdersFailed, 1)
	assertCounter(t, prom.Metrics.EntriesAbandoned, 1)
	assertCounter(t, prom.Metrics.ForceCloses, 1)
	assertCounter(t, prom.Metrics.FeedReconnects, 1)
	assertCounter(t, prom.Metrics.SpreadRefreshes, 1)
	assertCounter(t, prom.Metrics.TradesRecorded, 1)
	assertCounter(t, prom.Metrics.TradesDropped, 1)
}

func TestPrometheusHistogram(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrderLatency.Observe(0.02)
	prom.Metrics.OrderLatency.Observe(0.3)

	families, err := prom.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "funding_sniper_order_roundtrip_seconds" {
			continue
		}
		if got := fam.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
			t.Fatalf("expected 2 observations, got %d", got)
		}
		return
	}
	t.Fatalf("latency histogram not registered")
}

func assertCounter(t *testing.T, counter Counter, expected float64) {
	t.Helper()
	pc, ok := counter.(promCounter)
	if !ok {
		t.Fatalf("expected a prometheus-backed counter, got %T", counter)
	}
	if got := testutil.ToFloat64(pc.counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
