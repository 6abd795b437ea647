package telegram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/drover/internal/events"
)

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

// parseCommand returns the bare command name of "/status@drover_bot args".
func parseCommand(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

// taskAlert reports terminal failures only; retried attempts stay quiet.
func taskAlert(e events.TaskEvent) (string, bool) {
	if !e.Terminal || e.Status != "failed" {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s failed", e.TaskID)
	if e.Retry > 0 {
		fmt.Fprintf(&b, " after %d retries", e.Retry)
	}
	if e.AgentID != "" {
		fmt.Fprintf(&b, " on %s", e.AgentID)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, "\n%s", e.Error)
	}
	return b.String(), true
}

func agentAlert(e events.AgentEvent) (string, bool) {
	if e.Status != "failed" {
		return "", false
	}
	text := fmt.Sprintf("Agent %s failed (health %d)", e.AgentID, e.HealthScore)
	if e.Reason != "" {
		text += "\n" + e.Reason
	}
	return text, true
}

func formatStatus(s events.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Master %s", s.MasterID)
	if !s.Accepting {
		b.WriteString(" (not accepting)")
	}
	b.WriteString("\nAgents: ")
	b.WriteString(formatCounts(s.Agents))
	b.WriteString("\nTasks: ")
	b.WriteString(formatCounts(s.Tasks))
	fmt.Fprintf(&b, "\nPending messages: %d", s.Pending)
	return b.String()
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}
