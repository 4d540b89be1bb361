package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_sniper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promObserver struct {
	histogram prometheus.Histogram
}

func (p promObserver) Observe(v float64) {
	p.histogram.Observe(v)
}

type Prometheus struct {
	Metrics  *Metrics
	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	orderLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: promNamespace,
		Name:      "order_roundtrip_seconds",
		Help:      "Order submission round-trip latency.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
	registry.MustRegister(orderLatency)

	m := &Metrics{
		OrdersPlaced:     promCounter{counter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:     promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		EntriesAbandoned: promCounter{counter("entries_abandoned_total", "Total number of entry sequences abandoned after retries.")},
		ForceCloses:      promCounter{counter("force_closes_total", "Total number of force-close invocations.")},
		FeedReconnects:   promCounter{counter("feed_reconnects_total", "Total number of market feed reconnects.")},
		SpreadRefreshes:  promCounter{counter("spread_refreshes_total", "Total number of spread snapshot refreshes.")},
		TradesRecorded:   promCounter{counter("trades_recorded_total", "Total number of finalized trades written to the ledger.")},
		TradesDropped:    promCounter{counter("trades_dropped_total", "Total number of finalized trades dropped by a full ledger queue.")},
		OrderLatency:     promObserver{orderLatency},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
