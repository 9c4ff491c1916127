package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the gateway.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics for the auth core.
var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgrid_cache_hits_total",
			Help: "Cache hits by layer (local, remote).",
		},
		[]string{"layer"},
	)

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgrid_cache_misses_total",
		Help: "Lookups that fell through to the system of record.",
	})

	AuditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authgrid_audit_queue_depth",
		Help: "Audit events waiting for delivery.",
	})

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgrid_audit_dropped_total",
		Help: "Audit events dropped due to buffer overflow.",
	})

	AuditLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgrid_audit_lost_total",
		Help: "Audit events abandoned after exhausting delivery retries.",
	})

	LoginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgrid_login_failures_total",
		Help: "Failed credential verifications.",
	})

	SessionReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authgrid_session_reuse_detected_total",
		Help: "Refresh token replay attempts that revoked a session lineage.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		CacheHits, CacheMisses,
		AuditQueueDepth, AuditDropped, AuditLost,
		LoginFailures, SessionReuse,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics and logging.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
