// Package events defines the push-only notifications the orchestrator emits
// for dashboards, history and alerting.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	AgentID  string    `json:"agent_id,omitempty"`
	Status   string    `json:"status"`
	Progress int       `json:"progress"`
	Step     string    `json:"step,omitempty"`
	Error    string    `json:"error,omitempty"`
	Retry    int       `json:"retry_count"`
	Terminal bool      `json:"terminal,omitempty"`
	Time     time.Time `json:"time"`
}

type AgentEvent struct {
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"`
	HealthScore int       `json:"health_score"`
	CurrentTask string    `json:"current_task,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Time        time.Time `json:"time"`
}

type LogLine struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Source  string    `json:"source,omitempty"`
	Time    time.Time `json:"time"`
}

// Status is the periodic summary pushed to dashboards.
type Status struct {
	MasterID  string         `json:"master_id"`
	Accepting bool           `json:"accepting"`
	Agents    map[string]int `json:"agents"`
	Tasks     map[string]int `json:"tasks"`
	Pending   int            `json:"pending_messages"`
	Time      time.Time      `json:"time"`
}

// Publisher receives orchestrator notifications. Implementations must not
// block and handle their own delivery errors.
type Publisher interface {
	Status(Status)
	Task(TaskEvent)
	Agent(AgentEvent)
	Log(LogLine)
}

// Multi fans every notification out to each publisher in order.
type Multi []Publisher

func (m Multi) Status(s Status) {
	for _, p := range m {
		p.Status(s)
	}
}

func (m Multi) Task(e TaskEvent) {
	for _, p := range m {
		p.Task(e)
	}
}

func (m Multi) Agent(e AgentEvent) {
	for _, p := range m {
		p.Agent(e)
	}
}

func (m Multi) Log(l LogLine) {
	for _, p := range m {
		p.Log(l)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Status(Status)    {}
func (Nop) Task(TaskEvent)   {}
func (Nop) Agent(AgentEvent) {}
func (Nop) Log(LogLine)      {}

// Logf records a line through slog and pushes it to p.
func Logf(p Publisher, level slog.Level, source, msg string, args ...any) {
	slog.Log(context.Background(), level, msg, args...)
	p.Log(LogLine{
		Level:   level.String(),
		Message: format(msg, args),
		Source:  source,
		Time:    time.Now().UTC(),
	})
}

func format(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}
