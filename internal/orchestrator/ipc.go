package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/drover/internal/natsbus"
	"github.com/mtzanidakis/drover/internal/tasks"
)

type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitRequest is the body of submit_task commands and POST /api/tasks.
type SubmitRequest struct {
	ID           string   `json:"task_id"`
	Type         string   `json:"type"`
	Priority     string   `json:"priority"`
	Description  string   `json:"description"`
	FilePattern  string   `json:"file_pattern"`
	Dependencies []string `json:"dependencies"`
	MaxRetries   int      `json:"max_retries"`
}

// Task converts the request into a task definition.
func (r SubmitRequest) Task() tasks.Task {
	return tasks.Task{
		ID:           strings.TrimSpace(r.ID),
		Type:         strings.TrimSpace(r.Type),
		Priority:     tasks.Priority(strings.ToLower(r.Priority)),
		Description:  r.Description,
		FilePattern:  r.FilePattern,
		Dependencies: r.Dependencies,
		MaxRetries:   r.MaxRetries,
	}
}

// ServeIPC answers operator commands on the master's IPC topic.
func (o *Orchestrator) ServeIPC(ctx context.Context, client *natsbus.Client) (*nats.Subscription, error) {
	sub, err := client.Subscribe(natsbus.TopicIPC(o.cfg.MasterID), func(msg *nats.Msg) {
		o.handleIPC(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe ipc: %w", err)
	}
	return sub, nil
}

func (o *Orchestrator) handleIPC(ctx context.Context, msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respondIPC(msg, map[string]any{"error": "invalid command"})
		return
	}

	slog.Info("IPC command received", "type", cmd.Type)
	respondIPC(msg, o.ExecIPC(ctx, cmd))
}

// ExecIPC runs one operator command and returns its JSON-ready response.
func (o *Orchestrator) ExecIPC(ctx context.Context, cmd IPCCommand) map[string]any {
	switch cmd.Type {
	case "submit_task":
		var req SubmitRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return map[string]any{"error": "invalid payload"}
		}
		v, err := o.Submit(req.Task())
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return map[string]any{"ok": true, "id": v.ID, "task": v}

	case "list_tasks":
		return map[string]any{"ok": true, "tasks": o.tasks.List()}

	case "get_task":
		var req struct {
			ID string `json:"task_id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.ID == "" {
			return map[string]any{"error": "task_id is required"}
		}
		v, ok := o.tasks.Get(req.ID)
		if !ok {
			return map[string]any{"error": "task not found"}
		}
		return map[string]any{"ok": true, "task": v}

	case "list_agents":
		return map[string]any{"ok": true, "agents": o.Agents()}

	case "status":
		return map[string]any{"ok": true, "status": o.Status()}

	case "pause":
		if err := o.Pause(ctx); err != nil {
			return map[string]any{"error": err.Error()}
		}
		return map[string]any{"ok": true}

	case "resume":
		if err := o.Resume(ctx); err != nil {
			return map[string]any{"error": err.Error()}
		}
		return map[string]any{"ok": true}

	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		return map[string]any{"error": "unknown command: " + cmd.Type}
	}
}

func respondIPC(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
