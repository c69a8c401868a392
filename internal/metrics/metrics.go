package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op.
type Metrics struct {
	Requests         *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	SalesCommitted   *prometheus.CounterVec
	FinalizeFailures *prometheus.CounterVec
	FinalizeLatency  prometheus.Histogram
	SalesCancelled   prometheus.Counter
	CustomersCreated prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repairpos",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repairpos",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		SalesCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repairpos",
			Subsystem: "sales",
			Name:      "committed_total",
			Help:      "Sales committed, by payment method.",
		}, []string{"payment_method"}),
		FinalizeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repairpos",
			Subsystem: "sales",
			Name:      "finalize_failures_total",
			Help:      "Failed finalize attempts, by reason.",
		}, []string{"reason"}),
		FinalizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "repairpos",
			Subsystem: "sales",
			Name:      "finalize_duration_seconds",
			Help:      "Time spent finalizing a sale.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		SalesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repairpos",
			Subsystem: "sales",
			Name:      "cancelled_total",
			Help:      "Sales cancelled.",
		}),
		CustomersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repairpos",
			Subsystem: "customers",
			Name:      "created_total",
			Help:      "Customers created by resolution or explicit create.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.RequestLatency, m.SalesCommitted, m.FinalizeFailures,
			m.FinalizeLatency, m.SalesCancelled, m.CustomersCreated)
	}
	return m
}

func (m *Metrics) ObserveRequest(route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestLatency.WithLabelValues(route).Observe(took.Seconds())
}

// ObserveFinalize records one finalize attempt. An empty reason means the
// sale committed.
func (m *Metrics) ObserveFinalize(paymentMethod string, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.FinalizeLatency.Observe(took.Seconds())
	if reason != "" {
		m.FinalizeFailures.WithLabelValues(reason).Inc()
		return
	}
	m.SalesCommitted.WithLabelValues(paymentMethod).Inc()
}

func (m *Metrics) IncCancelled() {
	if m == nil {
		return
	}
	m.SalesCancelled.Inc()
}

func (m *Metrics) IncCustomersCreated() {
	if m == nil {
		return
	}
	m.CustomersCreated.Inc()
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
