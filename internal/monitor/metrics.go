package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one worker process. Each process owns a
// private registry; the engine exposes it on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// StatusMessages counts lines written to the status pipe, partitioned by tag.
	StatusMessages *prometheus.CounterVec
	// ServeCycles counts completed serve loop iterations.
	ServeCycles prometheus.Counter
	// ChildrenSpawned and ChildrenReaped track the fork-worker sub-supervisor.
	ChildrenSpawned prometheus.Counter
	ChildrenReaped  prometheus.Counter
	// HookDuration tracks lifecycle hook latency in seconds, partitioned by hook.
	HookDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the worker collectors, labelled with the
// worker index.
func NewMetrics(index string) *Metrics {
	constLabels := prometheus.Labels{"worker": index}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StatusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cohort_status_messages_total",
			Help:        "Status pipe messages written by this worker",
			ConstLabels: constLabels,
		}, []string{"tag"}),
		ServeCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cohort_serve_cycles_total",
			Help:        "Completed serve loop iterations",
			ConstLabels: constLabels,
		}),
		ChildrenSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cohort_children_spawned_total",
			Help:        "Sibling workers spawned by the origin worker",
			ConstLabels: constLabels,
		}),
		ChildrenReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cohort_children_reaped_total",
			Help:        "Sibling workers reaped by the origin worker",
			ConstLabels: constLabels,
		}),
		HookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cohort_hook_duration_seconds",
			Help:        "Time spent in lifecycle hooks",
			ConstLabels: constLabels,
		}, []string{"hook"}),
	}

	m.Registry.MustRegister(
		m.StatusMessages,
		m.ServeCycles,
		m.ChildrenSpawned,
		m.ChildrenReaped,
		m.HookDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Personal.AI order the ending
