// Package metrics provides Prometheus metrics export for strata.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide metrics registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Registry holds all timeline metrics on its own Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	transitions *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	reloads     prometheus.Histogram
	instants    *prometheus.GaugeVec
	lockWait    prometheus.Histogram
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "timeline",
			Name:      "transitions_total",
			Help:      "Instant files written by lifecycle transitions.",
		}, []string{"action", "state", "layout"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "timeline",
			Name:      "conflicts_total",
			Help:      "Transitions lost to a concurrent writer.",
		}, []string{"action", "state"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strata",
			Subsystem: "timeline",
			Name:      "failures_total",
			Help:      "Timeline operations that failed, by error class.",
		}, []string{"operation", "class"}),
		reloads: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strata",
			Subsystem: "timeline",
			Name:      "reload_duration_seconds",
			Help:      "Time to relist and parse the timeline directory.",
			Buckets:   prometheus.DefBuckets,
		}),
		instants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strata",
			Subsystem: "timeline",
			Name:      "instants",
			Help:      "Instants in the last loaded timeline, by state.",
		}, []string{"state"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strata",
			Subsystem: "timegen",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring the completion-time lock.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.reg.MustRegister(r.transitions, r.conflicts, r.failures, r.reloads, r.instants, r.lockWait)
	return r
}

// RecordTransition counts one instant file written at the given stage.
func (r *Registry) RecordTransition(action, state, layout string) {
	r.transitions.WithLabelValues(action, state, layout).Inc()
}

// RecordConflict counts a transition lost to a concurrent writer.
func (r *Registry) RecordConflict(action, state string) {
	r.conflicts.WithLabelValues(action, state).Inc()
}

// RecordFailure counts a failed operation under its error class.
func (r *Registry) RecordFailure(operation, class string) {
	r.failures.WithLabelValues(operation, class).Inc()
}

// RecordReload observes a reload and the resulting per-state instant counts.
func (r *Registry) RecordReload(duration time.Duration, byState map[string]int) {
	r.reloads.Observe(duration.Seconds())
	r.instants.Reset()
	for state, n := range byState {
		r.instants.WithLabelValues(state).Set(float64(n))
	}
}

// RecordLockWait observes time spent waiting for the completion-time lock.
func (r *Registry) RecordLockWait(duration time.Duration) {
	r.lockWait.Observe(duration.Seconds())
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
