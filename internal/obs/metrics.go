package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_ready",
		Help: "1 when the service can reach its store.",
	})
)

// Engine metrics
var (
	LoginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_refresh_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	TokenReuseDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_token_reuse_detected_total",
		Help: "Refresh tokens presented again after rotation.",
	})

	AuditDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_audit_dropped_total",
			Help: "Security events that could not be written, by sink.",
		},
		[]string{"sink"},
	)

	JanitorDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_janitor_deleted_total",
			Help: "Refresh token records removed by the janitor.",
		},
		[]string{"kind"},
	)

	JanitorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_janitor_runs_total",
			Help: "Janitor passes by status.",
		},
		[]string{"status"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			LoginTotal, RefreshTotal, TokenReuseDetected, AuditDropped,
			JanitorDeleted, JanitorRuns,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records store reachability.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures request rate, latency and in-flight count.
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

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "roles" && parts[3] == "permissions":
		return "/v1/roles/:id/permissions"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "accounts" && parts[3] == "roles":
		return "/v1/accounts/:id/roles"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "accounts" && parts[3] == "roles":
		return "/v1/accounts/:id/roles/:role"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
