package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/drover/internal/events"
)

// HealthSweep fails every agent whose heartbeat is older than the agent
// timeout, pushes its task back through the retry policy and reschedules.
// Agents failed for longer than the cleanup grace are dropped.
func (o *Orchestrator) HealthSweep(ctx context.Context) {
	now := o.now().UTC()

	o.mu.Lock()
	var (
		agentEvents []events.AgentEvent
		taskEvents  []events.TaskEvent
	)
	for _, a := range o.registry.Stale(now, o.cfg.AgentTimeout) {
		held := a.Fail(now)
		slog.Warn("agent heartbeat timed out", "agent", a.ID, "last_heartbeat", a.LastHeartbeat, "task", held)
		agentEvents = append(agentEvents, agentEventOf(a, "heartbeat timeout"))
		if held == "" || o.assignments[held] != a.ID {
			continue
		}
		delete(o.assignments, held)
		taskEvents = append(taskEvents, o.failTaskLocked(held, a.ID, fmt.Sprintf("agent %s timed out", a.ID)))
	}
	var removed []string
	if o.cfg.CleanupGrace > 0 {
		removed = o.registry.Cleanup(now, o.cfg.CleanupGrace)
		for _, id := range removed {
			o.metrics.AgentHealth.DeleteLabelValues(id)
		}
	}
	o.refreshGaugesLocked()
	o.mu.Unlock()

	for _, id := range removed {
		slog.Info("removed failed agent after grace period", "agent", id)
		o.pub.Agent(events.AgentEvent{AgentID: id, Status: "removed", Time: now})
	}
	for _, e := range agentEvents {
		o.pub.Agent(e)
	}
	for _, e := range taskEvents {
		o.pub.Task(e)
	}
	if len(taskEvents) > 0 {
		o.Schedule(ctx)
	}
}
