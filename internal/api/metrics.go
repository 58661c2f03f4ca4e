package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	afRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditforest_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	afRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditforest_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	afRecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditforest_records_ingested_total",
		Help: "Total audit records added to the forest.",
	})

	afIngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auditforest_ingest_duration_seconds",
		Help:    "Time to store a batch and rebuild its partitions.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	afProofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditforest_proofs_total",
		Help: "Proof requests by result.",
	}, []string{"result"})

	afCompactedPartitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditforest_compacted_partitions_total",
		Help: "Partitions removed by compaction.",
	})

	afVerificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditforest_verification_failures_total",
		Help: "Partitions that failed an integrity sweep.",
	})

	afAlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditforest_alert_deliveries_total",
		Help: "Alert webhook delivery attempts by result.",
	}, []string{"result"})

	afPartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditforest_partitions",
		Help: "Current number of forest partitions.",
	})

	afRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditforest_records",
		Help: "Current number of records held by the forest.",
	})
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
		method := c.Request.Method
		afRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		afRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// PrometheusMetrics reports integrity service events to Prometheus.
type PrometheusMetrics struct{}

func (PrometheusMetrics) RecordIngest(records int, elapsed time.Duration) {
	afRecordsIngested.Add(float64(records))
	afIngestDuration.Observe(elapsed.Seconds())
}

func (PrometheusMetrics) RecordProof(result string) {
	afProofsTotal.WithLabelValues(result).Inc()
}

func (PrometheusMetrics) RecordCompaction(removed int) {
	afCompactedPartitions.Add(float64(removed))
}

func (PrometheusMetrics) RecordVerification(res forest.VerificationResult) {
	afVerificationFailures.Add(float64(res.FailedCount()))
}

func (PrometheusMetrics) SetForestSize(partitions, records int) {
	afPartitions.Set(float64(partitions))
	afRecords.Set(float64(records))
}

// RecordAlertDelivery counts one alert webhook delivery attempt.
func RecordAlertDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	afAlertDeliveries.WithLabelValues(result).Inc()
}
