// Package metrics provides Prometheus instrumentation for the ramp service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ramp"

type Metrics struct {
	QuotesTotal            *prometheus.CounterVec
	PhaseTransitionsTotal  *prometheus.CounterVec
	PhaseFailuresTotal     *prometheus.CounterVec
	LockContentionTotal    prometheus.Counter
	PresignedVariantsTotal *prometheus.CounterVec
	SubsidyPaymentsTotal   *prometheus.CounterVec
	WebhookDeliveriesTotal *prometheus.CounterVec
	IdempotentReplaysTotal prometheus.Counter
	RampsRegisteredTotal   *prometheus.CounterVec
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. A nil reg gives
// working but unregistered collectors.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		QuotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_total",
			Help:      "Quote tickets by lifecycle event (created, consumed, released, expired, rejected).",
		}, []string{"event"}),
		PhaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Ramp phase transitions by source and target phase.",
		}, []string{"from", "to"}),
		PhaseFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_failures_total",
			Help:      "Failed phase attempts by phase and error kind.",
		}, []string{"phase", "kind"}),
		LockContentionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Advance calls rejected because the ramp processing lock was held.",
		}),
		PresignedVariantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presigned_variants_total",
			Help:      "Signed transaction variants produced by network.",
		}, []string{"network"}),
		SubsidyPaymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subsidy_payments_total",
			Help:      "Subsidy decisions by network, token and result.",
		}, []string{"network", "token", "result"}),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by result.",
		}, []string{"result"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_replays_total",
			Help:      "Registration requests answered from the idempotency store.",
		}),
		RampsRegisteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ramps_registered_total",
			Help:      "Registered ramps by direction.",
		}, []string{"direction"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.QuotesTotal,
			m.PhaseTransitionsTotal,
			m.PhaseFailuresTotal,
			m.LockContentionTotal,
			m.PresignedVariantsTotal,
			m.SubsidyPaymentsTotal,
			m.WebhookDeliveriesTotal,
			m.IdempotentReplaysTotal,
			m.RampsRegisteredTotal,
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
		)
		m.gatherer = reg
	}
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() gin.HandlerFunc {
	g := m.gatherer
	if g == nil {
		g = prometheus.NewRegistry()
	}
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Middleware records request count and latency per route pattern.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
