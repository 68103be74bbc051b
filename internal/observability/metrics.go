// Package observability holds the process-wide Prometheus metric
// registrations, grounded on control_plane/observability/metrics.go's
// promauto-vars-at-package-scope convention (teacher's flux_* names, renamed
// to hetuflow_*).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_connected_agents",
		Help: "Current number of connected agents",
	})

	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	LeaderEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_leader_epoch",
		Help: "Current fencing epoch held by this node, 0 when not leader",
	})

	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_leader_transitions_total",
		Help: "Leadership acquisition/loss events",
	}, []string{"event"}) // elected, lost

	TasksMaterialized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_tasks_materialized_total",
		Help: "Tasks materialized by the scheduler",
	}, []string{"kind"}) // cron, interval, event, retry

	DispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_dispatched_total",
		Help: "TaskInstances dispatched to an agent",
	}, []string{"agent_id"})

	DispatchCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_dispatch_circuit_state",
		Help: "Dispatch circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetuflow_task_retries_total",
		Help: "Total number of task retry attempts",
	})

	TaskSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetuflow_task_success_total",
		Help: "Total number of successfully completed tasks",
	})

	TaskFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetuflow_task_failures_total",
		Help: "Total number of terminally failed tasks",
	})

	AgentResponseMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hetuflow_agent_response_ms",
		Help: "Exponentially-weighted mean task response time per agent, milliseconds",
	}, []string{"agent_id"})

	RebalancedInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_rebalanced_instances_total",
		Help: "TaskInstances reassigned away from an offline/overloaded agent",
	}, []string{"reason"}) // offline, overloaded

	OutboundQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_outbound_queue_drops_total",
		Help: "Outbound agent commands dropped for exceeding the session's high water mark",
	}, []string{"agent_id"})
)
