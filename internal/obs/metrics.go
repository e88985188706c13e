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

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcrm_rate_limited_total",
			Help: "Requests rejected by a rate limiter, by route class.",
		},
		[]string{"class"},
	)

	ipBlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stormcrm_ip_blocked_total",
		Help: "Requests rejected because the client address is blocked.",
	})

	ipBlocksStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stormcrm_ip_blocks_started_total",
		Help: "Client addresses that crossed the failure threshold.",
	})

	storeUnrecognizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stormcrm_store_unrecognized_total",
			Help: "Statements the emulated store could not dispatch.",
		},
		[]string{"shape"},
	)

	initOnce sync.Once
)

// Init registers the service metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			rateLimitedTotal, ipBlockedTotal, ipBlocksStartedTotal, storeUnrecognizedTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RateLimited counts a rejection by the limiter for class.
func RateLimited(class string) { rateLimitedTotal.WithLabelValues(class).Inc() }

// IPBlocked counts a request refused by the blocklist.
func IPBlocked() { ipBlockedTotal.Inc() }

// IPBlockStarted counts a client crossing the failure threshold.
func IPBlockStarted() { ipBlocksStartedTotal.Inc() }

// StoreUnrecognized counts a statement the emulated store answered with an empty result.
func StoreUnrecognized(shape string) { storeUnrecognizedTotal.WithLabelValues(shape).Inc() }

// Instrument records RPS, latency and in-flight requests for next.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// resources whose second path segment is an identifier.
var idCollections = map[string]struct{}{
	"leads":     {},
	"campaigns": {},
	"users":     {},
}

// CanonicalPath collapses identifiers so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	if _, ok := idCollections[parts[1]]; !ok {
		return p
	}
	if len(parts) > 4 {
		return p
	}
	parts[2] = ":id"
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
