package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/protocol"
)

// drainPoll is how often Shutdown checks the inbox while draining.
const drainPoll = 100 * time.Millisecond

// Pause stops new assignments and asks every agent to pause. Running
// tasks are left alone.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	slog.Info("orchestrator paused")
	return o.send(ctx, protocol.CoordinationSignal, protocol.Broadcast, protocol.CoordinationPayload{Signal: protocol.SignalPause})
}

func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	slog.Info("orchestrator resumed")
	err := o.send(ctx, protocol.CoordinationSignal, protocol.Broadcast, protocol.CoordinationPayload{Signal: protocol.SignalResume})
	o.Wake()
	return err
}

// Shutdown stops accepting work, waits up to the drain timeout for running
// tasks to report back, then marks what is left failed as interrupted and
// tells every agent to stop. It is safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.accepting = false
	o.mu.Unlock()
	slog.Info("orchestrator shutting down", "drain_timeout", o.cfg.DrainTimeout)

	deadline := time.NewTimer(o.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

drain:
	for {
		o.ProcessMessages(ctx)
		if o.runningCount() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
			break drain
		case <-ticker.C:
		}
	}

	o.mu.Lock()
	var interrupted []events.TaskEvent
	for taskID, agentID := range o.assignments {
		if err := o.tasks.Interrupt(taskID, protocol.ErrInterrupted); err != nil {
			slog.Warn("interrupt task failed", "task", taskID, "error", err)
		}
		if a, ok := o.registry.Get(agentID); ok {
			a.Release()
		}
		delete(o.assignments, taskID)
		e := o.taskEventLocked(taskID)
		e.AgentID = agentID
		interrupted = append(interrupted, e)
	}
	o.refreshGaugesLocked()
	o.mu.Unlock()

	for _, e := range interrupted {
		slog.Warn("task interrupted by shutdown", "task", e.TaskID, "agent", e.AgentID)
		o.pub.Task(e)
	}

	sendCtx := context.WithoutCancel(ctx)
	return o.send(sendCtx, protocol.CoordinationSignal, protocol.Broadcast, protocol.CoordinationPayload{
		Signal:     protocol.SignalShutdown,
		CancelTask: true,
		Reason:     "master shutdown",
	})
}

func (o *Orchestrator) runningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.assignments)
}

// Accepting reports whether new tasks are taken.
func (o *Orchestrator) Accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accepting
}

