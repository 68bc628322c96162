package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	submissionsDecided = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_submissions_decided_total",
			Help: "Submissions decided by providers, labelled by outcome.",
		},
		[]string{"outcome"},
	)

	withdrawalsRequested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskpool_withdrawals_requested_total",
		Help: "Withdrawal requests accepted by the rule core.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskpool_ready",
		Help: "1 when the service reports itself ready.",
	})
)

// Init registers all service metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		submissionsDecided,
		withdrawalsRequested,
		readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// CountDecision records a provider decision outcome ("approved" / "rejected").
func CountDecision(outcome string) {
	submissionsDecided.WithLabelValues(outcome).Inc()
}

// CountWithdrawalRequest records an accepted withdrawal request.
func CountWithdrawalRequest() {
	withdrawalsRequested.Inc()
}

// CanonicalPath collapses resource ids so metric labels stay low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/<collection>/<id>[/<action>]
	if len(parts) >= 4 && parts[1] == "v1" && parts[3] != "" {
		switch parts[2] {
		case "tasks", "submissions", "withdrawals":
			parts[3] = ":id"
			if len(parts) <= 5 {
				return strings.Join(parts, "/")
			}
		}
	}
	return path
}

// Instrument wraps a handler with RPS, latency and in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
