package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	checkout "github.com/chipcasher/checkout"
)

// CheckoutMetrics holds the storefront's HTTP and settlement collectors
type CheckoutMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
	Outcomes  *prometheus.CounterVec
	Settle    *prometheus.HistogramVec
	Sessions  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCheckoutMetrics registers the collectors on a fresh registry
func NewCheckoutMetrics(service string) *CheckoutMetrics {
	return NewCheckoutMetricsWith(prometheus.NewRegistry(), service)
}

// NewCheckoutMetricsWith registers the collectors on registry
func NewCheckoutMetricsWith(registry *prometheus.Registry, service string) *CheckoutMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "settlement_outcomes_total",
		Help:      "Checkout sessions by final outcome.",
	}, []string{"outcome", "reason"})
	settle := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "settlement_duration_seconds",
		Help:      "Time from session start to final outcome.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"outcome"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "active_sessions",
		Help:      "Checkout sessions currently being watched.",
	})

	registry.MustRegister(requests, latency, outcomes, settle, sessions)
	return &CheckoutMetrics{
		Requests:  requests,
		LatencyMS: latency,
		Outcomes:  outcomes,
		Settle:    settle,
		Sessions:  sessions,
		gatherer:  registry,
	}
}

// Handler serves the registry in the Prometheus text format
func (m *CheckoutMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route
func (m *CheckoutMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		m.Requests.WithLabelValues(handler, strconv.Itoa(c.Writer.Status())).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
	}
}

// ObserveOutcome is a checkout.OutcomeHook
func (m *CheckoutMetrics) ObserveOutcome(c checkout.OutcomeContext) {
	label := c.Outcome.Kind.String()
	switch {
	case errors.Is(c.Outcome.Err, checkout.ErrWatchTimedOut):
		label = "timed_out"
	case c.Err != nil && checkout.IsValidation(c.Err):
		label = "rejected"
	case c.Err != nil && c.Outcome.Kind == checkout.OutcomePending:
		label = "aborted"
	}
	m.Outcomes.WithLabelValues(label, string(c.Outcome.Reason)).Inc()
	m.Settle.WithLabelValues(label).Observe(c.Duration.Seconds())
}
