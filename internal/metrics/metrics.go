package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Assignments *prometheus.CounterVec
	Completions prometheus.Counter
	// Failures is labelled by outcome: retry or terminal.
	Failures *prometheus.CounterVec
	Retries  prometheus.Counter

	BusFallbacks prometheus.Counter
	BusExpired   prometheus.Counter
	BusReplayed  prometheus.Counter
	BusPending   prometheus.Gauge

	AgentsByStatus *prometheus.GaugeVec
	AgentHealth    *prometheus.GaugeVec
	RunningTasks   prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a private registry
// so callers that do not expose metrics need no special casing.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Assignments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_task_assignments_total",
			Help: "Task assignments sent to agents.",
		}, []string{"agent_id"}),
		Completions: f.NewCounter(prometheus.CounterOpts{
			Name: "drover_tasks_completed_total",
			Help: "Tasks reported completed.",
		}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_tasks_failed_total",
			Help: "Task failures by outcome.",
		}, []string{"outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "drover_task_retries_total",
			Help: "Tasks pushed back to the queue after a failure.",
		}),
		BusFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "drover_bus_fallbacks_total",
			Help: "Messages diverted to the local queue because the backend failed.",
		}),
		BusExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "drover_bus_expired_total",
			Help: "Messages dropped because their ttl elapsed.",
		}),
		BusReplayed: f.NewCounter(prometheus.CounterOpts{
			Name: "drover_bus_replayed_total",
			Help: "Queued messages handed to the backend after recovery.",
		}),
		BusPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "drover_bus_pending_messages",
			Help: "Messages held in the local queue.",
		}),
		AgentsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drover_agents",
			Help: "Registered agents by status.",
		}, []string{"status"}),
		AgentHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drover_agent_health_score",
			Help: "Current health score per agent.",
		}, []string{"agent_id"}),
		RunningTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "drover_running_tasks",
			Help: "Tasks currently assigned to an agent.",
		}),
	}
}
