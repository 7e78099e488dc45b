package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Webhook metrics
	WebhookEventsTotal *prometheus.CounterVec

	// Usage metrics
	GateDecisionsTotal   *prometheus.CounterVec
	TokensRecordedTotal  prometheus.Counter
	PlanResolutionErrors prometheus.Counter

	// Database metrics
	StoreOpDuration *prometheus.HistogramVec

	// Stripe metrics
	StripeBreakerState prometheus.Gauge
}

// New creates a new Metrics instance registered on reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "sparlo_usage"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook events by type and processing outcome",
			},
			[]string{"type", "outcome"}, // outcome: processed, duplicate, skipped, failed
		),

		GateDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Admission decisions by result and reason",
			},
			[]string{"decision", "reason"},
		),
		TokensRecordedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "tokens_recorded_total",
				Help:      "Tokens recorded against usage periods",
			},
		),
		PlanResolutionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plan",
				Name:      "resolution_errors_total",
				Help:      "Provider price identifiers missing from the plan table",
			},
		),

		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Usage store operation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),

		StripeBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stripe",
				Name:      "breaker_state",
				Help:      "Stripe API circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),
	}
}

// --- Convenience methods ---

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWebhookEvent records the outcome of one webhook delivery.
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordGateDecision records an admission decision.
func (m *Metrics) RecordGateDecision(allowed bool, reason string) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.GateDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordTokens adds recorded consumption.
func (m *Metrics) RecordTokens(tokens int64) {
	if tokens > 0 {
		m.TokensRecordedTotal.Add(float64(tokens))
	}
}

// ObserveStoreOp records how long a store operation took.
func (m *Metrics) ObserveStoreOp(operation string, start time.Time) {
	m.StoreOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// statusCodeToString converts an HTTP status code to its class (2xx, 4xx...).
func statusCodeToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return strconv.Itoa(status)
	}
}
