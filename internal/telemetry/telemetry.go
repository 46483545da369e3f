// Package telemetry owns the Prometheus collectors exported by trustd.
//
// Components never import this package. They expose optional record
// callbacks instead, and cmd/trustd plugs the Record* helpers into them.
package telemetry

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustcore_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter, by path.",
	}, []string{"path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_ledger_appends_total",
		Help: "Total audit events appended by event type.",
	}, []string{"event_type"})

	ledgerTreeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustcore_ledger_tree_size",
		Help: "Number of leaves in the audit Merkle tree.",
	})

	decayNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_decay_notifications_total",
		Help: "Decay engine deliveries by outcome.",
	}, []string{"status"})

	trustCalculationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustcore_trust_calculations_total",
		Help: "Total entity trust calculations.",
	})

	trustScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustcore_trust_score",
		Help:    "Distribution of calculated aggregate trust scores.",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	regenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_regenerations_total",
		Help: "Applied trust regenerations by mechanism.",
	}, []string{"type"})

	regenerationGain = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_regeneration_gain_total",
		Help: "Sum of trust gained through regeneration by mechanism.",
	}, []string{"type"})

	alertsRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_alerts_raised_total",
		Help: "Trust alerts raised by level.",
	}, []string{"level"})

	alertsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_alerts_resolved_total",
		Help: "Trust alerts resolved by level.",
	}, []string{"level"})

	alertsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trustcore_alerts_open",
		Help: "Unresolved trust alerts by level.",
	}, []string{"level"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited(path string) {
	if path == "" {
		path = "unmatched"
	}
	rateLimitedTotal.WithLabelValues(path).Inc()
}

// RecordLedgerAppend records one committed audit event.
func RecordLedgerAppend(eventType string, treeSize int) {
	ledgerAppendsTotal.WithLabelValues(eventType).Inc()
	ledgerTreeSize.Set(float64(treeSize))
}

// SetLedgerTreeSize sets the tree size gauge, used once at startup.
func SetLedgerTreeSize(treeSize int) {
	ledgerTreeSize.Set(float64(treeSize))
}

// RecordDecayDelivery records a decay engine delivery attempt.
func RecordDecayDelivery(success bool) {
	decayNotificationsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordTrustCalculation records a completed trust calculation.
func RecordTrustCalculation(_ string, score float64) {
	trustCalculationsTotal.Inc()
	trustScore.Observe(score)
}

// RecordRegeneration records an applied regeneration and its gain.
func RecordRegeneration(mechanism string, gain float64) {
	regenerationsTotal.WithLabelValues(mechanism).Inc()
	if gain > 0 {
		regenerationGain.WithLabelValues(mechanism).Add(gain)
	}
}

// RecordAlert records an alert being raised or resolved.
func RecordAlert(level string, resolved bool) {
	if resolved {
		alertsResolvedTotal.WithLabelValues(level).Inc()
		return
	}
	alertsRaisedTotal.WithLabelValues(level).Inc()
}

// SetOpenAlerts sets the unresolved alert gauge for a level.
func SetOpenAlerts(level string, count int) {
	alertsOpen.WithLabelValues(level).Set(float64(count))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
