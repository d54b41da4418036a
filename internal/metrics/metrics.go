// Package metrics exposes Prometheus collectors for the HTTP surface and the
// fetch pool. Run and item counters come from the progress Prometheus sink,
// which registers on the same registry.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the service-level metrics.
type Collectors struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	spacingDelay *prometheus.HistogramVec
	dedupPurged  prometheus.Counter
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magnet_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magnet_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		spacingDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magnet_fetch_spacing_delay_seconds",
				Help:    "Time fetches waited for the per-site request spacing.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		),
		dedupPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "magnet_dedup_purged_total",
			Help: "Dedup records removed by the retention sweeper.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by chi route pattern.
func (c *Collectors) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveSpacingDelay records a per-site spacing wait.
func (c *Collectors) ObserveSpacingDelay(site string, d time.Duration) {
	c.spacingDelay.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// ObservePurged adds n swept dedup records.
func (c *Collectors) ObservePurged(n int64) {
	if n > 0 {
		c.dedupPurged.Add(float64(n))
	}
}

// SanitizeSite reduces a URL or site key to a lowercase hostname.
// It returns "unknown" if the input does not parse.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
