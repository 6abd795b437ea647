package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mtzanidakis/drover/internal/protocol"
)

// HandleMessage applies one message to the agent. Unknown types are
// logged and discarded.
func (a *Agent) HandleMessage(ctx context.Context, msg protocol.AgentMessage) {
	switch msg.Type {
	case protocol.TaskAssignment:
		a.handleAssignment(ctx, msg)
	case protocol.CoordinationSignal:
		a.handleSignal(ctx, msg)
	default:
		slog.Warn("discarding message of unknown type", "agent", a.id, "id", msg.ID, "type", msg.Type, "sender", msg.SenderID)
	}
}

func (a *Agent) handleAssignment(ctx context.Context, msg protocol.AgentMessage) {
	var task protocol.TaskAssignmentPayload
	if err := msg.DecodePayload(&task); err != nil || task.TaskID == "" {
		slog.Warn("invalid task assignment", "agent", a.id, "id", msg.ID, "error", err)
		return
	}

	a.mu.Lock()
	var reason string
	switch {
	case a.currentTask != "":
		reason = "busy"
	case a.paused:
		reason = "paused"
	case a.status != StatusReady:
		reason = string(a.status)
	case a.stopped():
		reason = "shutting down"
	}
	if reason != "" {
		holding := a.currentTask
		a.mu.Unlock()
		slog.Info("rejecting task assignment", "agent", a.id, "task", task.TaskID, "reason", reason, "holding", holding)
		if err := a.send(ctx, protocol.TaskStatusUpdate, protocol.TaskStatusPayload{
			TaskID:      task.TaskID,
			Status:      protocol.StatusRejected,
			Error:       reason,
			CurrentTask: holding,
		}); err != nil {
			slog.Warn("send rejection failed", "agent", a.id, "task", task.TaskID, "error", err)
		}
		return
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.currentTask = task.TaskID
	a.status = StatusBusy
	a.cancelTask = cancel
	a.cancelled = false
	a.running.Add(1)
	a.mu.Unlock()

	slog.Info("task accepted", "agent", a.id, "task", task.TaskID, "type", task.Type, "retry", task.RetryCount)
	go a.execute(taskCtx, cancel, task)
}

func (a *Agent) execute(ctx context.Context, cancel context.CancelFunc, task protocol.TaskAssignmentPayload) {
	defer a.running.Done()
	defer cancel()

	report := context.WithoutCancel(ctx)
	if a.exec == nil {
		a.finish(report, task, nil, errors.New("no executor configured"))
		return
	}
	result, err := a.exec.Execute(ctx, task, func(progress int, step string) {
		if err := a.send(report, protocol.TaskStatusUpdate, protocol.TaskStatusPayload{
			TaskID:      task.TaskID,
			Status:      protocol.StatusRunning,
			Progress:    progress,
			CurrentStep: step,
		}); err != nil {
			slog.Debug("send progress failed", "agent", a.id, "task", task.TaskID, "error", err)
		}
	})
	a.finish(report, task, result, err)
}

// finish returns the agent to ready before reporting, so the master may
// assign the next task as soon as it reads the report.
func (a *Agent) finish(ctx context.Context, task protocol.TaskAssignmentPayload, result map[string]any, err error) {
	a.mu.Lock()
	cancelled, leaving := a.cancelled, a.leaving
	a.currentTask = ""
	a.cancelTask = nil
	a.cancelled = false
	if a.status == StatusBusy {
		a.status = StatusReady
	}
	a.mu.Unlock()

	status := protocol.TaskStatusPayload{TaskID: task.TaskID, Status: protocol.StatusCompleted, Result: result}
	switch {
	case cancelled:
		if leaving {
			slog.Info("task abandoned, agent stopping", "agent", a.id, "task", task.TaskID)
			return
		}
		status.Status = protocol.StatusFailed
		status.Error = protocol.ErrInterrupted
		slog.Warn("task cancelled", "agent", a.id, "task", task.TaskID)
	case err != nil:
		status.Status = protocol.StatusFailed
		status.Error = err.Error()
		slog.Warn("task failed", "agent", a.id, "task", task.TaskID, "error", err)
		if errors.Is(err, ErrAgentFault) {
			if rerr := a.send(ctx, protocol.ErrorReport, protocol.ErrorReportPayload{
				Error:    err.Error(),
				Severity: "error",
				TaskID:   task.TaskID,
			}); rerr != nil {
				slog.Warn("send error report failed", "agent", a.id, "error", rerr)
			}
		}
	default:
		slog.Info("task completed", "agent", a.id, "task", task.TaskID)
	}

	if err := a.send(ctx, protocol.TaskStatusUpdate, status); err != nil {
		slog.Error("send task status failed", "agent", a.id, "task", task.TaskID, "status", status.Status, "error", err)
	}
}

func (a *Agent) handleSignal(ctx context.Context, msg protocol.AgentMessage) {
	var p protocol.CoordinationPayload
	if err := msg.DecodePayload(&p); err != nil {
		slog.Warn("invalid coordination signal", "agent", a.id, "id", msg.ID, "error", err)
		return
	}
	if a.staleBroadcast(msg) {
		slog.Debug("ignoring broadcast sent before agent start", "agent", a.id, "id", msg.ID, "signal", p.Signal, "sent", msg.Timestamp)
		return
	}
	if p.CancelTask && p.Signal != protocol.SignalRegister {
		a.cancelCurrent()
	}

	switch p.Signal {
	case protocol.SignalRegister:
		if err := a.Register(ctx); err != nil {
			slog.Warn("re-register failed", "agent", a.id, "error", err)
		}
	case protocol.SignalPause:
		a.mu.Lock()
		a.paused = true
		a.mu.Unlock()
		slog.Info("agent paused", "agent", a.id)
	case protocol.SignalResume:
		a.mu.Lock()
		a.paused = false
		a.mu.Unlock()
		slog.Info("agent resumed", "agent", a.id)
	case protocol.SignalShutdown:
		slog.Info("shutdown signal received", "agent", a.id, "cancel_task", p.CancelTask, "reason", p.Reason)
		a.stop()
	default:
		slog.Warn("discarding unknown coordination signal", "agent", a.id, "signal", p.Signal)
	}
}

// staleBroadcast reports whether msg is a broadcast that predates this
// agent's first registration.
func (a *Agent) staleBroadcast(msg protocol.AgentMessage) bool {
	if msg.RecipientID != protocol.Broadcast {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.startedAt.IsZero() && msg.Timestamp.Before(a.startedAt)
}
