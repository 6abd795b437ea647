package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/natsbus"
	"github.com/mtzanidakis/drover/internal/registry"
	"github.com/mtzanidakis/drover/internal/tasks"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK     bool                  `json:"ok,omitempty"`
	Error  string                `json:"error,omitempty"`
	ID     string                `json:"id,omitempty"`
	Task   *tasks.View           `json:"task,omitempty"`
	Tasks  []tasks.View          `json:"tasks,omitempty"`
	Agents []registry.SlaveAgent `json:"agents,omitempty"`
	Status *events.Status        `json:"status,omitempty"`
}

func sendIPC(natsURL, masterID, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(natsbus.TopicIPC(masterID), data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// submitPayload builds the submit_task body from command-line flags.
func submitPayload(args map[string]string) (map[string]any, error) {
	if args["id"] == "" || args["type"] == "" || args["description"] == "" {
		return nil, fmt.Errorf("--id, --type, and --description are required")
	}
	p := map[string]any{
		"task_id":     args["id"],
		"type":        args["type"],
		"description": args["description"],
	}
	if v := args["priority"]; v != "" {
		p["priority"] = v
	}
	if v := args["file-pattern"]; v != "" {
		p["file_pattern"] = v
	}
	if v := args["depends"]; v != "" {
		var deps []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				deps = append(deps, d)
			}
		}
		p["dependencies"] = deps
	}
	if v := args["max-retries"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("--max-retries must be a number")
		}
		p["max_retries"] = n
	}
	return p, nil
}

func printTasks(w io.Writer, list []tasks.View) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return
	}
	for _, t := range list {
		line := fmt.Sprintf("  %s  %-9s  %-8s  %s", t.ID, t.Status, t.Priority, t.Type)
		if t.AgentID != "" {
			line += "  @" + t.AgentID
		}
		if t.Status == tasks.StatusRunning {
			line += fmt.Sprintf("  %d%%", t.Progress)
		}
		fmt.Fprintln(w, line)
	}
}

func printTask(w io.Writer, t tasks.View) {
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Type:        %s\n", t.Type)
	fmt.Fprintf(w, "Priority:    %s\n", t.Priority)
	fmt.Fprintf(w, "Status:      %s\n", t.Status)
	fmt.Fprintf(w, "Retries:     %d/%d\n", t.RetryCount, t.MaxRetries)
	fmt.Fprintf(w, "Progress:    %d%%\n", t.Progress)
	if t.CurrentStep != "" {
		fmt.Fprintf(w, "Step:        %s\n", t.CurrentStep)
	}
	if t.AgentID != "" {
		fmt.Fprintf(w, "Agent:       %s\n", t.AgentID)
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(w, "Depends on:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", t.Error)
	}
	fmt.Fprintf(w, "Description: %s\n", t.Description)
}

func printAgents(w io.Writer, list []registry.SlaveAgent) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No agents registered.")
		return
	}
	for _, a := range list {
		line := fmt.Sprintf("  %s  %-8s  health=%d  [%s]", a.ID, a.Status, a.HealthScore, strings.Join(a.Capabilities, ","))
		if a.CurrentTask != "" {
			line += "  task=" + a.CurrentTask
		}
		fmt.Fprintln(w, line)
	}
}

func printStatus(w io.Writer, s events.Status) {
	fmt.Fprintf(w, "Master:    %s\n", s.MasterID)
	fmt.Fprintf(w, "Accepting: %v\n", s.Accepting)
	fmt.Fprintf(w, "Agents:    %s\n", formatCounts(s.Agents))
	fmt.Fprintf(w, "Tasks:     %s\n", formatCounts(s.Tasks))
	fmt.Fprintf(w, "Pending:   %d\n", s.Pending)
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  dtask submit --id "..." --type "..." --description "..." [--priority high] [--file-pattern "..."] [--depends a,b] [--max-retries n]`)
	fmt.Fprintln(os.Stderr, "  dtask list")
	fmt.Fprintln(os.Stderr, `  dtask get --id "..."`)
	fmt.Fprintln(os.Stderr, "  dtask agents")
	fmt.Fprintln(os.Stderr, "  dtask status")
	fmt.Fprintln(os.Stderr, "  dtask pause")
	fmt.Fprintln(os.Stderr, "  dtask resume")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func call(natsURL, masterID, reqType string, payload map[string]any) *ipcResponse {
	resp, err := sendIPC(natsURL, masterID, reqType, payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	return resp
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	masterID := os.Getenv("DROVER_MASTER_ID")
	if masterID == "" {
		masterID = "master"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "submit":
		payload, err := submitPayload(parseArgs(rest))
		if err != nil {
			fatal("%v", err)
		}
		resp := call(natsURL, masterID, "submit_task", payload)
		fmt.Printf("Task submitted: %s\n", resp.ID)

	case "list":
		resp := call(natsURL, masterID, "list_tasks", map[string]any{})
		printTasks(os.Stdout, resp.Tasks)

	case "get":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		resp := call(natsURL, masterID, "get_task", map[string]any{"task_id": args["id"]})
		if resp.Task == nil {
			fatal("empty response")
		}
		printTask(os.Stdout, *resp.Task)

	case "agents":
		resp := call(natsURL, masterID, "list_agents", map[string]any{})
		printAgents(os.Stdout, resp.Agents)

	case "status":
		resp := call(natsURL, masterID, "status", map[string]any{})
		if resp.Status == nil {
			fatal("empty response")
		}
		printStatus(os.Stdout, *resp.Status)

	case "pause", "resume":
		call(natsURL, masterID, command, map[string]any{})
		fmt.Printf("Master %s: %s ok\n", masterID, command)

	default:
		fatal("unknown command: %s", command)
	}
}
