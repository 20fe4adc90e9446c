// Package metrics exports alter scheduler and HTTP request metrics in the
// Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allyourbase/alterd/internal/alter"
)

const (
	namespace = "alterd"

	kindLabel  = "kind"
	stateLabel = "state"
)

var tickBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Metrics holds every collector on its own registry. It implements
// alter.Observer.
type Metrics struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	admitted  *prometheus.CounterVec
	suspended *prometheus.CounterVec
	done      *prometheus.CounterVec
	tick      prometheus.Histogram
	tracked   prometheus.Gauge

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ alter.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alter",
			Name:      "jobs_submitted_total",
			Help:      "Alter jobs accepted by the handler, by job kind.",
		}, []string{kindLabel}),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alter",
			Name:      "jobs_admitted_total",
			Help:      "Pending jobs admitted into a table's running set.",
		}, []string{kindLabel}),
		suspended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alter",
			Name:      "jobs_suspended_total",
			Help:      "Scheduler passes that left a pending job waiting for a running slot.",
		}, []string{kindLabel}),
		done: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alter",
			Name:      "jobs_done_total",
			Help:      "Jobs that reached a terminal state, by kind and state.",
		}, []string{kindLabel, stateLabel}),
		tick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "alter",
			Name:      "scheduler_tick_seconds",
			Help:      "Time spent in one scheduler pass.",
			Buckets:   tickBuckets,
		}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alter",
			Name:      "jobs_tracked",
			Help:      "Unfinished jobs seen by the last scheduler pass.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Number of HTTP requests partitioned by status code, method and route.",
		}, []string{"code", "method", "path"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_milliseconds",
			Help:      "Time spent on the request partitioned by status code, method and route.",
			Buckets:   []float64{5, 25, 100, 300, 1000, 5000},
		}, []string{"code", "method", "path"}),
	}
	m.registry.MustRegister(
		m.submitted, m.admitted, m.suspended, m.done, m.tick, m.tracked,
		m.requests, m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) JobSubmitted(kind alter.JobKind) {
	m.submitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) JobAdmitted(kind alter.JobKind) {
	m.admitted.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) JobSuspended(kind alter.JobKind) {
	m.suspended.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) JobDone(kind alter.JobKind, state alter.JobState) {
	m.done.With(prometheus.Labels{kindLabel: string(kind), stateLabel: string(state)}).Inc()
}

func (m *Metrics) TickDone(elapsed time.Duration, tracked int) {
	m.tick.Observe(elapsed.Seconds())
	m.tracked.Set(float64(tracked))
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware counts requests and their latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rp := rctx.RoutePattern()
			code := strconv.Itoa(ww.Status())
			m.requests.WithLabelValues(code, r.Method, rp).Inc()
			m.latency.WithLabelValues(code, r.Method, rp).Observe(float64(time.Since(start).Milliseconds()))
		}
	}
	return http.HandlerFunc(fn)
}
