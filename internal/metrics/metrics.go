package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups every metric the service exports. A nil *Collector is
// valid and records nothing.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	DecisionsTotal *prometheus.CounterVec
	LockWait       *prometheus.HistogramVec

	DispatchDropped prometheus.Counter
	OutboxPublished prometheus.Counter
	OutboxFailures  prometheus.Counter
}

func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "decisions_total",
			Help:      "Arbiter decisions by operation and outcome.",
		}, []string{"operation", "outcome"}),

		LockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for per-resource locks.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		}, []string{"operation"}),

		DispatchDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dispatch_dropped_total",
			Help:      "Events dropped because the dispatch buffer was full. Alert if non-zero.",
		}),

		OutboxPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "outbox_published_total",
			Help:      "Outbox events published to the broker.",
		}),

		OutboxFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "outbox_failures_total",
			Help:      "Failed outbox relay batches.",
		}),
	}
}

func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) ObserveDecision(operation, outcome string) {
	if c == nil {
		return
	}
	c.DecisionsTotal.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) ObserveLockWait(operation string, d time.Duration) {
	if c == nil {
		return
	}
	c.LockWait.WithLabelValues(operation).Observe(d.Seconds())
}

func (c *Collector) IncDispatchDropped() {
	if c == nil {
		return
	}
	c.DispatchDropped.Inc()
}

func (c *Collector) AddOutboxPublished(n int) {
	if c == nil {
		return
	}
	c.OutboxPublished.Add(float64(n))
}

func (c *Collector) IncOutboxFailures() {
	if c == nil {
		return
	}
	c.OutboxFailures.Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
