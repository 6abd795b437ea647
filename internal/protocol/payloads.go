package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task status tokens carried in TASK_STATUS_UPDATE payloads.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// Coordination signals.
const (
	SignalRegister   = "register"
	SignalUnregister = "unregister"
	SignalPause      = "pause"
	SignalResume     = "resume"
	SignalShutdown   = "shutdown"
)

// ErrInterrupted is the error text recorded for tasks cut short by shutdown.
const ErrInterrupted = "interrupted"

type TaskAssignmentPayload struct {
	TaskID      string `json:"task_id"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
	FilePattern string `json:"file_pattern,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

type TaskStatusPayload struct {
	TaskID      string         `json:"task_id"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Progress    int            `json:"progress,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
	// CurrentTask is set on rejections: the task the agent is still holding.
	CurrentTask string `json:"current_task,omitempty"`
}

type HealthCheckPayload struct {
	CPU         float64   `json:"cpu"`
	Memory      float64   `json:"memory"`
	Disk        float64   `json:"disk"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorReportPayload struct {
	Error    string `json:"error"`
	Severity string `json:"severity,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

type CoordinationPayload struct {
	Signal       string   `json:"signal"`
	Capabilities []string `json:"capabilities,omitempty"`
	// CurrentTask is announced on registration so a restarted master can
	// adopt work already in flight.
	CurrentTask string `json:"current_task,omitempty"`
	// CancelTask asks the receiver to abort its in-flight task.
	CancelTask bool   `json:"cancel_task,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HintPayload covers LOAD_BALANCE_REQUEST and RESOURCE_REQUEST bodies.
type HintPayload struct {
	Reason   string         `json:"reason,omitempty"`
	Resource string         `json:"resource,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// EncodePayload converts a typed payload into the envelope's map form.
func EncodePayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}

// DecodePayload fills v from the message payload.
func (m AgentMessage) DecodePayload(v any) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}
