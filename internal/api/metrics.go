package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	civitasWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "civitas_ledger_writes_total",
		Help: "Total write attempts by result (ok, halted, lock_not_held, not_verified, rejected).",
	}, []string{"result"})

	civitasRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "civitas_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	civitasRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "civitas_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	civitasHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "civitas_halted",
		Help: "1 while the system is halted, 0 otherwise.",
	})

	civitasGapsDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "civitas_sequence_gaps_detected_total",
		Help: "Total sequence gaps detected by the monitor.",
	})

	civitasLeaseRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "civitas_lease_renewals_total",
		Help: "Total writer lease renewal attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		civitasRequestsTotal.WithLabelValues(method, path, status).Inc()
		civitasRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordWrite records a write attempt outcome. Wired into the writer service
// as its metrics callback.
func RecordWrite(result string) {
	civitasWritesTotal.WithLabelValues(result).Inc()
}

// RecordHalt flips the halt gauge on.
func RecordHalt(string) { civitasHalted.Set(1) }

// RecordHaltCleared flips the halt gauge off.
func RecordHaltCleared() { civitasHalted.Set(0) }

// RecordGapDetected counts a detected sequence gap.
func RecordGapDetected() { civitasGapsDetectedTotal.Inc() }

// RecordLeaseRenewal records a lease renewal attempt.
func RecordLeaseRenewal(success bool) {
	if success {
		civitasLeaseRenewalsTotal.WithLabelValues("success").Inc()
	} else {
		civitasLeaseRenewalsTotal.WithLabelValues("failure").Inc()
	}
}
