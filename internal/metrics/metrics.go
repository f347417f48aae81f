// Package metrics exposes Prometheus counters for mtlsclient retry and
// transport activity, plus the HTTP handler that serves them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/mtlsclient/pkg/retry"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtls_client_attempts_total",
		Help: "Outbound attempts by retry verdict.",
	}, []string{"verdict"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtls_client_retries_total",
		Help: "Retries scheduled after a retryable outcome.",
	})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mtls_client_retry_exhausted_total",
		Help: "Calls that failed after exhausting their retries.",
	})

	transportBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtls_client_transport_builds_total",
		Help: "Transport build attempts by result.",
	}, []string{"result"})

	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtls_client_probes_total",
		Help: "Health probes by result.",
	}, []string{"result"})

	echoRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtls_echo_requests_total",
		Help: "Requests served by the echo server by method, path, and status.",
	}, []string{"method", "path", "status"})

	echoRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mtls_echo_request_duration_seconds",
		Help:    "Echo server request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RetryHooks feeds retry.Hooks into the counters.
func RetryHooks() retry.Hooks {
	return retry.Hooks{
		OnAttempt:   func(v retry.Verdict, _ int) { RecordAttempt(v) },
		OnRetry:     func(int, int) { RecordRetry() },
		OnExhausted: func(int, int) { RecordExhausted() },
	}
}

// RecordAttempt counts one attempt under its verdict.
func RecordAttempt(v retry.Verdict) {
	attemptsTotal.WithLabelValues(v.String()).Inc()
}

// RecordRetry counts one scheduled retry.
func RecordRetry() {
	retriesTotal.Inc()
}

// RecordExhausted counts one call that gave up.
func RecordExhausted() {
	exhaustedTotal.Inc()
}

// RecordTransportBuild records a build attempt. It has the signature of
// client.WithBuildObserver.
func RecordTransportBuild(err error) {
	if err != nil {
		transportBuildsTotal.WithLabelValues("failure").Inc()
		return
	}
	transportBuildsTotal.WithLabelValues("success").Inc()
}

// RecordProbe counts one health probe. It has the signature of
// health.Checker.SetMetricsRecord.
func RecordProbe(success bool) {
	if success {
		probesTotal.WithLabelValues("success").Inc()
		return
	}
	probesTotal.WithLabelValues("failure").Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records per-request metrics for the echo server.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		echoRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		echoRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// GinHandler wraps Handler for gin routers.
func GinHandler() gin.HandlerFunc {
	h := Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
