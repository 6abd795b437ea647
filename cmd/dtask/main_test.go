package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/drover/internal/bus"
	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/natsbus"
	"github.com/mtzanidakis/drover/internal/orchestrator"
	"github.com/mtzanidakis/drover/internal/tasks"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "multiple flags",
			args: []string{"--id", "T1", "--type", "lint", "--description", "run lint"},
			want: map[string]string{"id": "T1", "type": "lint", "description": "run lint"},
		},
		{
			name: "flag without value is ignored",
			args: []string{"--id"},
			want: map[string]string{},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-i", "T1"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

func TestSubmitPayload(t *testing.T) {
	if _, err := submitPayload(map[string]string{"id": "T1"}); err == nil {
		t.Error("expected error for missing type and description")
	}
	if _, err := submitPayload(map[string]string{"id": "T1", "type": "x", "description": "y", "max-retries": "many"}); err == nil {
		t.Error("expected error for non-numeric max retries")
	}

	p, err := submitPayload(map[string]string{
		"id":          "T1",
		"type":        "test",
		"description": "run tests",
		"priority":    "high",
		"depends":     "build, lint,",
		"max-retries": "1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deps, _ := p["dependencies"].([]string)
	if len(deps) != 2 || deps[0] != "build" || deps[1] != "lint" {
		t.Errorf("expected deps [build lint], got %v", p["dependencies"])
	}
	if p["max_retries"] != 1 || p["priority"] != "high" {
		t.Errorf("unexpected payload %v", p)
	}
}

func TestPrintTasks(t *testing.T) {
	var buf bytes.Buffer
	printTasks(&buf, nil)
	if !strings.Contains(buf.String(), "No tasks found.") {
		t.Errorf("expected empty message, got %q", buf.String())
	}

	buf.Reset()
	printTasks(&buf, []tasks.View{{
		Task:  tasks.Task{ID: "T1", Type: "lint", Priority: tasks.High},
		State: tasks.State{Status: tasks.StatusRunning, AgentID: "a1", Progress: 40},
	}})
	out := buf.String()
	for _, want := range []string{"T1", "running", "high", "@a1", "40%"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in %q", want, out)
		}
	}
}

func startTestNATS(t *testing.T) *natsbus.Bus {
	t.Helper()
	nb, err := natsbus.New(config.NATSConfig{
		Port:    -1,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { nb.Close() })
	return nb
}

func startTestMaster(t *testing.T, nb *natsbus.Bus) *orchestrator.Orchestrator {
	t.Helper()
	client, err := natsbus.NewClient(nb)
	if err != nil {
		t.Fatalf("nats client: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.OrchestratorConfig{
		MasterID:            "test-master",
		HealthCheckInterval: time.Second,
		AgentTimeout:        30 * time.Second,
		MaxSlaveAgents:      4,
		MaxConcurrent:       2,
		MessagePollInterval: 10 * time.Millisecond,
		DrainTimeout:        50 * time.Millisecond,
		CleanupGrace:        time.Minute,
	}
	o := orchestrator.New(cfg, bus.NewAdapter(nil, bus.Options{}), tasks.NewManager("", 3), nil, nil)
	sub, err := o.ServeIPC(context.Background(), client)
	if err != nil {
		t.Fatalf("serve ipc: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return o
}

func TestSendIPCSubmitAndGet(t *testing.T) {
	nb := startTestNATS(t)
	o := startTestMaster(t, nb)
	url := nb.ClientURL()

	payload, _ := submitPayload(map[string]string{"id": "T1", "type": "lint", "description": "lint", "priority": "HIGH"})
	resp, err := sendIPC(url, "test-master", "submit_task", payload)
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Error != "" || resp.ID != "T1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if _, ok := o.Tasks().Get("T1"); !ok {
		t.Fatal("expected task stored on master")
	}

	resp, err = sendIPC(url, "test-master", "get_task", map[string]any{"task_id": "T1"})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Task == nil || resp.Task.Priority != tasks.High || resp.Task.Status != tasks.StatusQueued {
		t.Errorf("unexpected task %+v", resp.Task)
	}

	resp, err = sendIPC(url, "test-master", "list_tasks", map[string]any{})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if len(resp.Tasks) != 1 {
		t.Errorf("expected 1 task, got %d", len(resp.Tasks))
	}
}

func TestSendIPCAgentsAndStatus(t *testing.T) {
	nb := startTestNATS(t)
	o := startTestMaster(t, nb)
	url := nb.ClientURL()

	if err := o.RegisterSlaveAgent("a1", []string{"lint"}); err != nil {
		t.Fatal(err)
	}

	resp, err := sendIPC(url, "test-master", "list_agents", map[string]any{})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].ID != "a1" {
		t.Errorf("unexpected agents %+v", resp.Agents)
	}

	resp, err = sendIPC(url, "test-master", "status", map[string]any{})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Status == nil || resp.Status.MasterID != "test-master" || resp.Status.Agents["ready"] != 1 {
		t.Errorf("unexpected status %+v", resp.Status)
	}

	var buf bytes.Buffer
	printStatus(&buf, *resp.Status)
	if !strings.Contains(buf.String(), "ready=1") {
		t.Errorf("expected agent counts in %q", buf.String())
	}
}

func TestSendIPCErrorResponse(t *testing.T) {
	nb := startTestNATS(t)
	startTestMaster(t, nb)

	resp, err := sendIPC(nb.ClientURL(), "test-master", "get_task", map[string]any{"task_id": "nonexistent"})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if resp.Error != "task not found" {
		t.Errorf("expected error 'task not found', got %q", resp.Error)
	}

	resp, err = sendIPC(nb.ClientURL(), "test-master", "reboot", map[string]any{})
	if err != nil {
		t.Fatalf("sendIPC: %v", err)
	}
	if !strings.HasPrefix(resp.Error, "unknown command") {
		t.Errorf("expected unknown command error, got %q", resp.Error)
	}
}

func TestSendIPCNoResponder(t *testing.T) {
	nb := startTestNATS(t)

	if _, err := sendIPC(nb.ClientURL(), "nobody", "status", map[string]any{}); err == nil {
		t.Error("expected error without a master listening")
	}
}

func TestIPCResponseDecodesStatus(t *testing.T) {
	data, _ := json.Marshal(map[string]any{"ok": true, "status": events.Status{MasterID: "m", Pending: 2}})
	var resp ipcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status == nil || resp.Status.Pending != 2 {
		t.Errorf("unexpected status %+v", resp.Status)
	}
}
