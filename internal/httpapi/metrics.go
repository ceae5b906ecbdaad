package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, path, and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)

		path := metricPath(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(writer.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// metricPath collapses IDs out of paths to keep label cardinality bounded.
func metricPath(path string) string {
	switch {
	case path == "/api/queue/tokens", path == "/api/queue/my-tokens", path == "/api/departments", path == "/healthz":
		return path
	case len(path) > len("/api/queue/status/") && path[:len("/api/queue/status/")] == "/api/queue/status/":
		return "/api/queue/status/:id"
	case len(path) > len("/api/queue/tokens/") && path[:len("/api/queue/tokens/")] == "/api/queue/tokens/":
		return "/api/queue/tokens/:id"
	case len(path) > len("/api/queue/departments/") && path[:len("/api/queue/departments/")] == "/api/queue/departments/":
		return "/api/queue/departments/:id"
	case len(path) > len("/api/departments/") && path[:len("/api/departments/")] == "/api/departments/":
		return "/api/departments/:id"
	default:
		return "other"
	}
}
