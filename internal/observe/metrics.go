// Package observe exposes Prometheus instrumentation for the platform's
// moving parts: dispatch fan-out, job lifecycle transitions, and index
// builds.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the platform emits. A nil *Metrics is a
// valid no-op receiver so callers never need to guard instrumentation.
type Metrics struct {
	dispatchDeliveries *prometheus.CounterVec
	jobTransitions     *prometheus.CounterVec
	indexBuilds        *prometheus.CounterVec
}

// New builds the collector set and registers it with reg. Passing
// prometheus.DefaultRegisterer wires the standard /metrics endpoint.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		dispatchDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcore_dispatch_deliveries_total",
			Help: "Messages delivered to websocket connections, by resource kind and operation.",
		}, []string{"kind", "op"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcore_job_transitions_total",
			Help: "Job status transitions, by resulting state.",
		}, []string{"state"}),
		indexBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcore_index_builds_total",
			Help: "Index build outcomes.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{m.dispatchDeliveries, m.jobTransitions, m.indexBuilds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// DispatchDelivered counts one message handed to a connection.
func (m *Metrics) DispatchDelivered(kind, op string) {
	if m == nil {
		return
	}
	m.dispatchDeliveries.WithLabelValues(kind, op).Inc()
}

// JobTransition counts a job entering the given state.
func (m *Metrics) JobTransition(state string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(state).Inc()
}

// IndexBuild counts a finished build attempt with its result
// (complete, error, or cancelled).
func (m *Metrics) IndexBuild(result string) {
	if m == nil {
		return
	}
	m.indexBuilds.WithLabelValues(result).Inc()
}
