package telegram

import (
	"strings"
	"testing"

	"github.com/mtzanidakis/drover/internal/events"
)

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	chunks = chunkMessage(strings.Repeat("a", 4096), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	chunks = chunkMessage(strings.Repeat("a", 8192), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/status", "status"},
		{"/Status@drover_bot", "status"},
		{"  /pause now", "pause"},
		{"status", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := parseCommand(tt.in); got != tt.want {
			t.Errorf("parseCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTaskAlert(t *testing.T) {
	if _, ok := taskAlert(events.TaskEvent{TaskID: "T1", Status: "failed"}); ok {
		t.Error("expected no alert for a retried failure")
	}
	if _, ok := taskAlert(events.TaskEvent{TaskID: "T1", Status: "completed", Terminal: true}); ok {
		t.Error("expected no alert for completion")
	}

	text, ok := taskAlert(events.TaskEvent{TaskID: "T1", AgentID: "a1", Status: "failed", Terminal: true, Retry: 3, Error: "boom"})
	if !ok {
		t.Fatal("expected alert for terminal failure")
	}
	want := "Task T1 failed after 3 retries on a1\nboom"
	if text != want {
		t.Errorf("expected %q, got %q", want, text)
	}
}

func TestAgentAlert(t *testing.T) {
	if _, ok := agentAlert(events.AgentEvent{AgentID: "a1", Status: "ready"}); ok {
		t.Error("expected no alert for ready agent")
	}
	text, ok := agentAlert(events.AgentEvent{AgentID: "a1", Status: "failed", HealthScore: 0, Reason: "heartbeat timeout"})
	if !ok {
		t.Fatal("expected alert for failed agent")
	}
	if text != "Agent a1 failed (health 0)\nheartbeat timeout" {
		t.Errorf("unexpected alert %q", text)
	}
}

func TestFormatStatus(t *testing.T) {
	got := formatStatus(events.Status{
		MasterID: "master",
		Agents:   map[string]int{"ready": 2, "busy": 1},
		Tasks:    map[string]int{},
		Pending:  4,
	})
	want := "Master master (not accepting)\nAgents: busy=1 ready=2\nTasks: none\nPending messages: 4"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	b := &Bot{alerts: make(chan string, 1)}
	b.Agent(events.AgentEvent{AgentID: "a1", Status: "failed"})
	b.Agent(events.AgentEvent{AgentID: "a2", Status: "failed"})
	if len(b.alerts) != 1 {
		t.Errorf("expected 1 queued alert, got %d", len(b.alerts))
	}
}
