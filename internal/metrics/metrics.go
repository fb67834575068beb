// Package metrics exposes Prometheus collectors for leases and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Release initiators.
const (
	InitiatorTeam   = "team"
	InitiatorAdmin  = "admin"
	InitiatorReaper = "reaper"
)

var (
	// Lease metrics
	LeasesProvisioned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_leases_provisioned_total",
			Help: "Total number of containers provisioned for new leases",
		},
	)

	LeasesReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_leases_reused_total",
			Help: "Total number of start requests answered from a live lease",
		},
	)

	ProvisionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_provision_failures_total",
			Help: "Total number of failed start requests by error kind",
		},
		[]string{"kind"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "atlas_provision_duration_seconds",
			Help:    "Time from container create to a published port in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	LeasesReleased = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_leases_released_total",
			Help: "Total number of leases released by initiator",
		},
		[]string{"initiator"},
	)

	LeasesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_leases_active",
			Help: "Number of live leases at the last listing or sweep",
		},
	)

	OrphanedContainers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "atlas_orphaned_containers_total",
			Help: "Containers left running after a failed provision or stop",
		},
	)

	LogViewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_log_viewers",
			Help: "Number of open container log streams",
		},
	)

	// API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(LeasesProvisioned)
	prometheus.MustRegister(LeasesReused)
	prometheus.MustRegister(ProvisionFailures)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(LeasesReleased)
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(OrphanedContainers)
	prometheus.MustRegister(LogViewers)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		timer.ObserveDuration(HTTPRequestDuration.WithLabelValues(r.Method, route))
	})
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
