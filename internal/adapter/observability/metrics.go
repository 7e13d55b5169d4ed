// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs inserted into the queue",
		},
		[]string{"type"},
	)
	JobsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_skipped_total",
			Help: "Total number of producer inserts skipped by de-duplication",
		},
		[]string{"reason"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by the dispatcher",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs transitioned to error",
		},
		[]string{"type"},
	)
	JobsPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_purged_total",
			Help: "Total number of stale processing jobs reset to pending",
		},
		[]string{"type"},
	)

	BackendsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backends_free",
			Help: "Number of backends currently free and healthy",
		},
	)
	BackendHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_healthy",
			Help: "Last observed health of a backend (1 healthy, 0 unhealthy)",
		},
		[]string{"backend"},
	)
	VerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verify_request_duration_seconds",
			Help:    "Backend verify call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"backend"},
	)
)

// InitMetrics registers all collectors; call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsSkippedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsPurgedTotal)
	prometheus.MustRegister(BackendsFree)
	prometheus.MustRegister(BackendHealthy)
	prometheus.MustRegister(VerifyDuration)
}

// HTTPMetricsMiddleware records request counts and latency per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
