package registry

import (
	"slices"
	"time"
)

type Status string

const (
	StatusRegistering Status = "registering"
	StatusReady       Status = "ready"
	StatusBusy        Status = "busy"
	StatusFailed      Status = "failed"
	// StatusOccupied is an agent running work the master does not track,
	// such as a task that already belongs to another agent.
	StatusOccupied Status = "occupied"
)

type ResourceUsage struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	Disk           float64 `json:"disk"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
}

// SlaveAgent is the master's view of one worker. CurrentTask is set
// exactly when Status is busy.
type SlaveAgent struct {
	ID            string        `json:"agent_id"`
	Capabilities  []string      `json:"capabilities"`
	Status        Status        `json:"status"`
	CurrentTask   string        `json:"current_task,omitempty"`
	HealthScore   int           `json:"health_score"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Usage         ResourceUsage `json:"resource_usage"`
	ErrorCount    int           `json:"error_count"`
	RegisteredAt  time.Time     `json:"registered_at"`
	FailedAt      time.Time     `json:"failed_at,omitzero"`
	seq           uint64
	// lastSent is the sender's timestamp of the newest applied heartbeat.
	lastSent time.Time
}

// Accepts reports whether the agent advertises taskType.
func (a *SlaveAgent) Accepts(taskType string) bool {
	return slices.Contains(a.Capabilities, taskType)
}

// Load is the number of tasks the agent has finished either way.
func (a *SlaveAgent) Load() int {
	return a.Usage.TasksCompleted + a.Usage.TasksFailed
}

// Schedulable reports whether the agent may receive a new task.
func (a *SlaveAgent) Schedulable() bool {
	return a.Status == StatusReady && a.HealthScore >= MinSchedulableHealth
}

// Assign marks the agent busy with taskID.
func (a *SlaveAgent) Assign(taskID string) {
	a.Status = StatusBusy
	a.CurrentTask = taskID
}

// Release returns a busy agent to ready. Failed agents stay failed.
func (a *SlaveAgent) Release() {
	a.CurrentTask = ""
	if a.Status == StatusBusy {
		a.Status = StatusReady
	}
}

// Occupy keeps a live agent out of scheduling until it reports idle.
// Failed agents stay failed.
func (a *SlaveAgent) Occupy() {
	a.CurrentTask = ""
	if a.Status != StatusFailed {
		a.Status = StatusOccupied
	}
}

// Fail marks the agent failed and returns the task it was holding.
func (a *SlaveAgent) Fail(at time.Time) string {
	held := a.CurrentTask
	a.Status = StatusFailed
	a.CurrentTask = ""
	a.FailedAt = at
	return held
}
