// Package metrics wires the Stream Orchestrator's counters and gauges into
// a prometheus/client_golang registry, exposed by internal/http's /metrics
// handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the orchestrator, bus, supervisor, and
// fleet router publish to. Construct one with New and pass it down through
// each component's options.
type Metrics struct {
	Registry *prometheus.Registry

	BusDrops         *prometheus.CounterVec
	StackOverflows   prometheus.Counter
	StateTransitions prometheus.Counter
	RestartsTotal    *prometheus.CounterVec
	HealthFailures   *prometheus.CounterVec
	ActiveClients    prometheus.Gauge
	ProcessState     *prometheus.GaugeVec
	RPCDeadlineMiss  *prometheus.CounterVec
}

// New builds a Metrics with all collectors registered against a fresh
// registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamorc_bus_subscriber_drops_total",
			Help: "Envelopes dropped from a subscriber's lag queue, by subscription pattern.",
		}, []string{"subscriber"}),
		StackOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamorc_stack_overflows_total",
			Help: "Times the interrupt stack exceeded its bound and evicted to the low-water mark.",
		}),
		StateTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamorc_state_transitions_total",
			Help: "stream.state envelopes emitted due to an active-content change.",
		}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamorc_process_restarts_total",
			Help: "Process restarts performed by the supervisor, by process name.",
		}, []string{"process"}),
		HealthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamorc_health_check_failures_total",
			Help: "Consecutive health check failures observed, by process name.",
		}, []string{"process"}),
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamorc_stream_channel_clients",
			Help: "Currently connected overlay WebSocket clients.",
		}),
		ProcessState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamorc_process_state",
			Help: "Supervised process state, 1 for the currently active state and 0 otherwise.",
		}, []string{"process", "state"}),
		RPCDeadlineMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamorc_fleet_rpc_deadline_exceeded_total",
			Help: "Fleet Router RPCs that exceeded their deadline, by target process.",
		}, []string{"process"}),
	}
	m.Registry.MustRegister(
		m.BusDrops,
		m.StackOverflows,
		m.StateTransitions,
		m.RestartsTotal,
		m.HealthFailures,
		m.ActiveClients,
		m.ProcessState,
		m.RPCDeadlineMiss,
	)
	return m
}
