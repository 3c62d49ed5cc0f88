// Package metrics exposes orchestration progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quatton/qbench/pkg/fleet"
)

const unmatched = "unmatched"

// Metrics holds every collector. It implements fleet.Observer.
type Metrics struct {
	registry *prometheus.Registry

	phaseTransitions *prometheus.CounterVec
	runOutcomes      *prometheus.CounterVec
	instanceOutcomes *prometheus.CounterVec
	instanceDuration *prometheus.HistogramVec
	activeInstances  prometheus.Gauge
	dialRetries      prometheus.Counter
	markerChecks     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec

	active sync.Map
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbench_phase_transitions_total",
			Help: "Lifecycle phase transitions by phase.",
		}, []string{"phase"}),
		runOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbench_run_outcomes_total",
			Help: "Finished run attempts by status.",
		}, []string{"status"}),
		instanceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbench_instance_outcomes_total",
			Help: "Instances that reached a terminal phase, by provider and phase.",
		}, []string{"provider", "phase"}),
		instanceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qbench_instance_duration_seconds",
			Help:    "Wall time of an instance lifecycle.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		}, []string{"provider"}),
		activeInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qbench_active_instances",
			Help: "Instances between provisioning and a terminal phase.",
		}),
		dialRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbench_dial_retries_total",
			Help: "Failed attempts to open a remote session.",
		}),
		markerChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbench_marker_checks_total",
			Help: "Completion marker probes by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbench_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qbench_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(
		m.phaseTransitions,
		m.runOutcomes,
		m.instanceOutcomes,
		m.instanceDuration,
		m.activeInstances,
		m.dialRetries,
		m.markerChecks,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DialRetry counts one failed dial.
func (m *Metrics) DialRetry() {
	m.dialRetries.Inc()
}

// MarkerCheck counts one marker probe.
func (m *Metrics) MarkerCheck(found bool, err error) {
	switch {
	case err != nil:
		m.markerChecks.WithLabelValues("error").Inc()
	case found:
		m.markerChecks.WithLabelValues("present").Inc()
	default:
		m.markerChecks.WithLabelValues("absent").Inc()
	}
}

func (m *Metrics) OnEvent(_ context.Context, ev fleet.Event) error {
	if ev.RunStatus != "" {
		if ev.RunStatus.Terminal() {
			m.runOutcomes.WithLabelValues(string(ev.RunStatus)).Inc()
		}
		return nil
	}
	m.phaseTransitions.WithLabelValues(string(ev.Phase)).Inc()
	switch ev.Phase {
	case fleet.PhaseProvisioning:
		if _, loaded := m.active.LoadOrStore(activeKey(ev), struct{}{}); !loaded {
			m.activeInstances.Inc()
		}
	case fleet.PhaseDone, fleet.PhaseFailed:
		if _, loaded := m.active.LoadAndDelete(activeKey(ev)); loaded {
			m.activeInstances.Dec()
		}
	}
	return nil
}

func (m *Metrics) OnReport(_ context.Context, r *fleet.Report) error {
	for _, o := range r.Outcomes() {
		m.instanceOutcomes.WithLabelValues(string(o.Provider), string(o.Phase)).Inc()
		if !o.FinishedAt.IsZero() {
			m.instanceDuration.WithLabelValues(string(o.Provider)).Observe(o.FinishedAt.Sub(o.StartedAt).Seconds())
		}
	}
	return nil
}

// Middleware records request count and duration for every HTTP request.
// The chi route pattern is used as the path label to bound cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		m.httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func activeKey(ev fleet.Event) string {
	return ev.OrchestrationID + "/" + ev.SpecID
}

var _ fleet.Observer = (*Metrics)(nil)
