package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Instruments holds the HTTP request metrics.
type Instruments struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewInstruments registers the request counter and latency histogram on reg.
func NewInstruments(reg prometheus.Registerer, namespace string) *Instruments {
	f := promauto.With(reg)
	return &Instruments{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Middleware records one observation per request. Routes are labelled by
// their chi pattern so share ids never become label values.
func (in *Instruments) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		in.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		in.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
