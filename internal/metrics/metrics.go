// Package metrics exposes the keeper-side Prometheus gauges and counters,
// the keeper's analogue of internal/praefect/metrics in the teacher repo
// (PrimaryGauge, NodeLastHealthcheckGauge, MethodTypeCounter).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CurrentRoleGauge is 1 for the role the keeper currently reports as
// current_role and 0 for every other role, labeled by node. Mirrors the
// teacher's PrimaryGauge, which is 1 for the elected primary and 0 otherwise.
var CurrentRoleGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "pg_autoctl",
		Subsystem: "keeper",
		Name:      "current_role",
	}, []string{"nodename", "role"},
)

// TransitionsTotal counts FSM transitions executed, labeled by the
// from/to role pair, so operators can see which edges fire in practice.
var TransitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pg_autoctl",
		Subsystem: "keeper",
		Name:      "transitions_total",
	}, []string{"from", "to"},
)

// TransitionFailuresTotal counts FSM transitions whose action returned an
// error and were abandoned without advancing current_role.
var TransitionFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pg_autoctl",
		Subsystem: "keeper",
		Name:      "transition_failures_total",
	}, []string{"from", "to"},
)

// TickDuration observes the wall-clock time of a full keeper tick
// (probe, node_active, transition, persist).
var TickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "pg_autoctl",
		Subsystem: "keeper",
		Name:      "tick_duration_seconds",
		Buckets:   prometheus.DefBuckets,
	},
)

// MonitorRPCFailuresTotal counts node_active transport failures over the
// process lifetime. The keeper's debug-to-warning escalation counts
// consecutive failures separately and does not read this counter.
var MonitorRPCFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "pg_autoctl",
		Subsystem: "keeper",
		Name:      "monitor_rpc_failures_total",
	},
)

// SupervisorRestartsTotal counts child service restarts, labeled by service
// name, the supervisor's analogue of the keeper-level transition counters.
var SupervisorRestartsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "pg_autoctl",
		Subsystem: "supervisor",
		Name:      "restarts_total",
	}, []string{"service"},
)
