package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	atsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ats_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	atsRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ats_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	atsCertificatesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_certificates_issued_total",
		Help: "Total clearance certificates issued.",
	})

	atsVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ats_certificate_verifications_total",
		Help: "Total remote certificate verifications by outcome.",
	}, []string{"outcome"})

	atsReportActionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_report_actions_total",
		Help: "Total action items ingested from gateway reports.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
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

		atsRequestsTotal.WithLabelValues(method, path, status).Inc()
		atsRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCertificateIssued counts one issued certificate.
func RecordCertificateIssued() {
	atsCertificatesIssuedTotal.Inc()
}

// RecordVerification counts one remote verification by outcome.
func RecordVerification(valid bool) {
	if valid {
		atsVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		atsVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordReportIngested counts action items from an ingested batch.
func RecordReportIngested(actions int) {
	atsReportActionsTotal.Add(float64(actions))
}
