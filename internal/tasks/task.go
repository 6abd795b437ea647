package tasks

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTask   = errors.New("invalid task")
	ErrDuplicateTask = errors.New("duplicate task")
	ErrUnknownTask   = errors.New("unknown task")
	ErrCycle         = errors.New("dependency cycle")
)

type Priority string

const (
	Critical Priority = "critical"
	High     Priority = "high"
	Medium   Priority = "medium"
	Low      Priority = "low"
)

// Rank orders priorities; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case Critical:
		return 0
	case High:
		return 1
	case Medium:
		return 2
	case Low:
		return 3
	}
	return 4
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case Critical, High, Medium, Low:
		return p, nil
	case "":
		return Medium, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// ErrStatusLost is the error recorded on tasks restored without a readable
// status record.
const ErrStatusLost = "status record lost"

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// Task is the immutable definition of a unit of work.
type Task struct {
	ID           string   `json:"task_id"`
	Type         string   `json:"type"`
	Priority     Priority `json:"priority"`
	Description  string   `json:"description"`
	FilePattern  string   `json:"file_pattern,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	// MaxRetries of zero takes the manager default; negative disables retries.
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        uint64    `json:"seq"`
}

func (t Task) validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if t.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidTask)
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrCycle, t.ID)
		}
	}
	return nil
}

// State is the mutable status record of a task.
type State struct {
	Status      Status         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// View is a task together with its current state.
type View struct {
	Task
	State
}
