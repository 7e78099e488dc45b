package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newTestMetrics() *Metrics {
	return New("test", prometheus.NewRegistry())
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	m := newTestMetrics()

	m.RecordHTTPRequest("POST", "/webhooks/stripe", 200, 50*time.Millisecond)
	m.RecordHTTPRequest("POST", "/webhooks/stripe", 409, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/webhooks/stripe", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/webhooks/stripe", "4xx")))
}

func TestMetrics_RecordWebhookEvent(t *testing.T) {
	m := newTestMetrics()

	m.RecordWebhookEvent("invoice.paid", "processed")
	m.RecordWebhookEvent("invoice.paid", "duplicate")
	m.RecordWebhookEvent("invoice.paid", "processed")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("invoice.paid", "processed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("invoice.paid", "duplicate")))
}

func TestMetrics_RecordGateDecision(t *testing.T) {
	m := newTestMetrics()

	m.RecordGateDecision(true, "")
	m.RecordGateDecision(false, "limit_exceeded")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("allowed", "")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GateDecisionsTotal.WithLabelValues("denied", "limit_exceeded")))
}

func TestMetrics_RecordTokens(t *testing.T) {
	m := newTestMetrics()

	m.RecordTokens(350_000)
	m.RecordTokens(0)
	m.RecordTokens(-5)

	assert.Equal(t, float64(350_000), testutil.ToFloat64(m.TokensRecordedTotal))
}

func TestMetrics_ObserveStoreOp(t *testing.T) {
	m := newTestMetrics()

	m.ObserveStoreOp("increment_usage", time.Now().Add(-5*time.Millisecond))

	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreOpDuration))
}

func TestStatusCodeToString(t *testing.T) {
	tests := []struct {
		code     int
		expected string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{402, "4xx"},
		{503, "5xx"},
		{100, "100"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, statusCodeToString(tt.code))
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New("a", prometheus.NewRegistry())
		New("a", prometheus.NewRegistry())
	})
}
