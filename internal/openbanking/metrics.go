package openbanking

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records upstream traffic. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	tokenRefresh *prometheus.CounterVec
	rateLimited  prometheus.Counter
}

// NewMetrics registers the client collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openbanking",
			Name:      "upstream_requests_total",
			Help:      "Upstream requests by endpoint and final status code",
		}, []string{"endpoint", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openbanking",
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request latency including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openbanking",
			Name:      "upstream_retries_total",
			Help:      "Retried upstream attempts",
		}, []string{"endpoint"}),
		tokenRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openbanking",
			Name:      "token_refresh_total",
			Help:      "Access token refreshes by result",
		}, []string{"result"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "openbanking",
			Name:      "rate_limited_total",
			Help:      "Calls rejected by the per-account rate limiter",
		}),
	}
}

func (m *Metrics) observeRequest(endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(endpoint, code).Inc()
	m.duration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) retried(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) tokenRefreshed(result string) {
	if m == nil {
		return
	}
	m.tokenRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
