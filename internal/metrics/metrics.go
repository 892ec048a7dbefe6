// Package metrics exposes launch counters and phase timings in the
// Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launcher"

// Metrics implements launcher.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	phases   *prometheus.HistogramVec
	installs *prometheus.CounterVec
}

// New registers the launcher collectors plus the Go and process collectors
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Launches by final status.",
		}, []string{"status"}),
		phases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each launch phase.",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 30, 120, 600, 1800},
		}, []string{"phase", "status"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "YAML package install attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.runs,
		m.phases,
		m.installs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObservePhase records how long a phase took.
func (m *Metrics) ObservePhase(phase, status string, d time.Duration) {
	m.phases.WithLabelValues(phase, status).Observe(d.Seconds())
}

// ObserveLaunch counts a finished launch.
func (m *Metrics) ObserveLaunch(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// ObserveInstall counts an install attempt.
func (m *Metrics) ObserveInstall(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	m.installs.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
