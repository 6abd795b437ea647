package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/protocol"
	"github.com/mtzanidakis/drover/internal/registry"
)

// maxHints bounds the load-balance and resource hint log.
const maxHints = 64

// Hint is a LOAD_BALANCE_REQUEST or RESOURCE_REQUEST kept for operators.
type Hint struct {
	Type     protocol.MessageType `json:"type"`
	AgentID  string               `json:"agent_id"`
	Reason   string               `json:"reason,omitempty"`
	Resource string               `json:"resource,omitempty"`
	Time     time.Time            `json:"time"`
}

// ProcessMessages drains the master inbox once and dispatches every
// message. Expired messages are dropped before any handler sees them. It
// returns the number of messages handled.
func (o *Orchestrator) ProcessMessages(ctx context.Context) int {
	msgs, err := o.bus.ReceiveFor(ctx, o.cfg.MasterID)
	if err != nil {
		slog.Warn("receive messages failed", "error", err)
		return 0
	}

	handled := 0
	for _, msg := range msgs {
		if msg.Expired(o.now()) {
			slog.Debug("dropping expired message", "id", msg.ID, "type", msg.Type, "sender", msg.SenderID)
			o.metrics.BusExpired.Inc()
			continue
		}
		o.dispatch(ctx, msg)
		handled++
	}
	if handled > 0 {
		o.Schedule(ctx)
	}
	return handled
}

func (o *Orchestrator) dispatch(ctx context.Context, msg protocol.AgentMessage) {
	var err error
	switch msg.Type {
	case protocol.TaskStatusUpdate:
		err = o.handleTaskStatusUpdate(msg)
	case protocol.HealthCheck:
		err = o.handleHealthCheck(ctx, msg)
	case protocol.ErrorReport:
		err = o.handleErrorReport(msg)
	case protocol.LoadBalanceRequest, protocol.ResourceRequest:
		err = o.handleHint(msg)
	case protocol.CoordinationSignal:
		err = o.handleCoordination(msg)
	default:
		slog.Warn("discarding message of unknown type", "id", msg.ID, "type", msg.Type, "sender", msg.SenderID)
		return
	}
	if err != nil {
		slog.Warn("message handler failed", "id", msg.ID, "type", msg.Type, "sender", msg.SenderID, "error", err)
	}
}

func (o *Orchestrator) handleTaskStatusUpdate(msg protocol.AgentMessage) error {
	var p protocol.TaskStatusPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if p.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", protocol.ErrInvalidMessage)
	}

	o.mu.Lock()
	a, ok := o.registry.Get(msg.SenderID)
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, msg.SenderID)
	}
	if o.assignments[p.TaskID] != a.ID {
		// Late report for a task that was already reassigned.
		o.mu.Unlock()
		slog.Debug("ignoring status for task not assigned to sender", "task", p.TaskID, "agent", a.ID, "status", p.Status)
		return nil
	}

	var (
		taskEvent  events.TaskEvent
		agentEvent events.AgentEvent
	)
	switch p.Status {
	case protocol.StatusRunning:
		if err := o.tasks.UpdateProgress(p.TaskID, p.Progress, p.CurrentStep); err != nil {
			o.mu.Unlock()
			return err
		}
		taskEvent = o.taskEventLocked(p.TaskID)
		o.mu.Unlock()
		o.pub.Task(taskEvent)
		return nil

	case protocol.StatusCompleted:
		delete(o.assignments, p.TaskID)
		a.Usage.TasksCompleted++
		a.Release()
		if err := o.tasks.MarkCompleted(p.TaskID, p.Result); err != nil {
			slog.Warn("complete task failed", "task", p.TaskID, "error", err)
		}
		o.metrics.Completions.Inc()
		taskEvent = o.taskEventLocked(p.TaskID)
		taskEvent.AgentID = a.ID
		slog.Info("task completed", "task", p.TaskID, "agent", a.ID)

	case protocol.StatusFailed:
		// A failed task says nothing about the agent's own health.
		delete(o.assignments, p.TaskID)
		a.Usage.TasksFailed++
		a.Release()
		reason := p.Error
		if reason == "" {
			reason = "task failed"
		}
		taskEvent = o.failTaskLocked(p.TaskID, a.ID, reason)

	case protocol.StatusRejected:
		// The agent was still busy. Its own task stays in place and, if the
		// master cannot take it over, the agent is kept out of scheduling.
		delete(o.assignments, p.TaskID)
		a.Release()
		if p.CurrentTask != "" {
			o.adoptLocked(a, p.CurrentTask)
		}
		if err := o.tasks.Requeue(p.TaskID); err != nil {
			slog.Warn("requeue task failed", "task", p.TaskID, "error", err)
		}
		taskEvent = o.taskEventLocked(p.TaskID)
		slog.Info("assignment rejected", "task", p.TaskID, "agent", a.ID, "holding", p.CurrentTask)

	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: unknown task status %q", protocol.ErrInvalidMessage, p.Status)
	}
	agentEvent = agentEventOf(a, "task "+p.Status)
	o.metrics.AgentHealth.WithLabelValues(a.ID).Set(float64(a.HealthScore))
	o.refreshGaugesLocked()
	o.mu.Unlock()

	o.pub.Task(taskEvent)
	o.pub.Agent(agentEvent)
	return nil
}

func (o *Orchestrator) handleHealthCheck(ctx context.Context, msg protocol.AgentMessage) error {
	var p protocol.HealthCheckPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	at := o.now().UTC()

	o.mu.Lock()
	a, ok := o.registry.Get(msg.SenderID)
	if !ok {
		o.mu.Unlock()
		// Most likely the master restarted; ask the agent to announce itself.
		slog.Info("heartbeat from unknown agent, requesting registration", "agent", msg.SenderID)
		return o.send(ctx, protocol.CoordinationSignal, msg.SenderID, protocol.CoordinationPayload{
			Signal: protocol.SignalRegister,
			Reason: "unknown agent",
		})
	}
	if !a.ApplyHeartbeat(registry.Sample{CPU: p.CPU, Memory: p.Memory, Disk: p.Disk, At: at, Sent: msg.Timestamp}) {
		o.mu.Unlock()
		slog.Debug("ignoring out-of-order heartbeat", "agent", a.ID, "sent", msg.Timestamp)
		return nil
	}
	reason := ""
	switch {
	case a.Status == registry.StatusFailed && p.CurrentTask == "":
		// The agent came back idle; its old task was already rescheduled.
		a.Status = registry.StatusReady
		a.FailedAt = time.Time{}
		reason = "recovered"
	case a.Status == registry.StatusOccupied && p.CurrentTask == "":
		a.Status = registry.StatusReady
		reason = "idle"
	}
	o.metrics.AgentHealth.WithLabelValues(a.ID).Set(float64(a.HealthScore))
	var agentEvent *events.AgentEvent
	if reason != "" {
		e := agentEventOf(a, reason)
		agentEvent = &e
		o.refreshGaugesLocked()
	}
	o.mu.Unlock()

	if agentEvent != nil {
		slog.Info("agent available again", "agent", msg.SenderID, "reason", reason)
		o.pub.Agent(*agentEvent)
		o.Wake()
	}
	return nil
}

func (o *Orchestrator) handleErrorReport(msg protocol.AgentMessage) error {
	var p protocol.ErrorReportPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}

	o.mu.Lock()
	a, ok := o.registry.Get(msg.SenderID)
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, msg.SenderID)
	}
	a.ApplyError()
	score := a.HealthScore
	o.metrics.AgentHealth.WithLabelValues(a.ID).Set(float64(score))
	agentEvent := agentEventOf(a, "error report")
	o.mu.Unlock()

	events.Logf(o.pub, slog.LevelWarn, msg.SenderID, "agent error report",
		"agent", msg.SenderID, "error", p.Error, "severity", p.Severity, "task", p.TaskID, "health", score)
	o.pub.Agent(agentEvent)
	return nil
}

// handleHint records advisory requests. They do not change scheduling.
func (o *Orchestrator) handleHint(msg protocol.AgentMessage) error {
	var p protocol.HintPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	h := Hint{Type: msg.Type, AgentID: msg.SenderID, Reason: p.Reason, Resource: p.Resource, Time: msg.Timestamp}

	o.mu.Lock()
	o.hints = append(o.hints, h)
	if len(o.hints) > maxHints {
		o.hints = o.hints[len(o.hints)-maxHints:]
	}
	o.mu.Unlock()

	slog.Info("scheduling hint received", "type", msg.Type, "agent", msg.SenderID, "reason", p.Reason, "resource", p.Resource)
	return nil
}

func (o *Orchestrator) handleCoordination(msg protocol.AgentMessage) error {
	var p protocol.CoordinationPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	switch p.Signal {
	case protocol.SignalRegister:
		return o.register(msg.SenderID, p.Capabilities, o.now().UTC(), p.CurrentTask)
	case protocol.SignalUnregister:
		return o.UnregisterSlaveAgent(msg.SenderID)
	default:
		slog.Warn("discarding unknown coordination signal", "signal", p.Signal, "sender", msg.SenderID)
		return nil
	}
}

// Hints returns the most recent scheduling hints, oldest first.
func (o *Orchestrator) Hints() []Hint {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Hint(nil), o.hints...)
}
