package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

var (
	traceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silicontrace_requests_total",
		Help: "Total HTTP requests by batch operation and response class.",
	}, []string{"operation", "class"})

	traceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "silicontrace_request_duration_seconds",
		Help:    "Request duration in seconds by batch operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	traceRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silicontrace_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by scope.",
	}, []string{"scope"})

	traceBatchesOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silicontrace_batches_opened_total",
		Help: "Total batches opened with a genesis stage.",
	})

	traceStagesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silicontrace_stages_appended_total",
		Help: "Total stage records appended after genesis.",
	})

	traceVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silicontrace_verifications_total",
		Help: "Total chain verifications by outcome.",
	}, []string{"status"})

	traceAuditPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silicontrace_audit_passes_total",
		Help: "Total background audit passes over stored chains.",
	})

	traceAuditCompromised = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "silicontrace_audit_compromised_batches",
		Help: "Compromised chains found by the most recent audit pass.",
	})

	traceAuditChecked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "silicontrace_audit_checked_batches",
		Help: "Chains verified by the most recent audit pass.",
	})
)

// Operation names used as the "operation" metric label. Requests that no
// batch route handled are counted as OpOther.
const (
	OpOpenBatch   = "open_batch"
	OpListBatches = "list_batches"
	OpGetBatch    = "get_batch"
	OpAppendStage = "append_stage"
	OpListStages  = "list_stages"
	OpGetStage    = "get_stage"
	OpVerify      = "verify"
	OpOther       = "other"
)

const operationKey = "operation"

// operation tags a route handler with its metric label.
func operation(name string, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(operationKey, name)
		h(c)
	}
}

// PrometheusMiddleware records request count and latency per batch
// operation. Labels are bounded: sequence ids never become label values.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		op := c.GetString(operationKey)
		if op == "" {
			op = OpOther
		}
		traceRequestsTotal.WithLabelValues(op, statusClass(c.Writer.Status())).Inc()
		traceRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// statusClass buckets a status code as "2xx", "4xx" and so on.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// MetricsHandler serves the default registry, negotiating OpenMetrics when
// the scraper asks for it.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
}

// PrometheusRecorder feeds batch service activity into Prometheus.
// It satisfies service.MetricsRecorder.
type PrometheusRecorder struct{}

// RecordBatchOpened records a new batch.
func (PrometheusRecorder) RecordBatchOpened() {
	traceBatchesOpenedTotal.Inc()
}

// RecordStageAppended records a stage append.
func (PrometheusRecorder) RecordStageAppended() {
	traceStagesAppendedTotal.Inc()
}

// RecordVerification records a verification outcome.
func (PrometheusRecorder) RecordVerification(status provenance.Status) {
	traceVerificationsTotal.WithLabelValues(string(status)).Inc()
}

// RecordAudit records the totals of one background audit pass.
func (PrometheusRecorder) RecordAudit(checked, compromised int) {
	traceAuditPassesTotal.Inc()
	traceAuditChecked.Set(float64(checked))
	traceAuditCompromised.Set(float64(compromised))
}
