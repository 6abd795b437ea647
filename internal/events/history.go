package events

import (
	"log/slog"

	"github.com/mtzanidakis/drover/internal/store"
)

// History records task events in the store for later inspection.
type History struct {
	store *store.Store
}

func NewHistory(s *store.Store) *History {
	return &History{store: s}
}

func (h *History) Task(e TaskEvent) {
	detail := e.Error
	if detail == "" {
		detail = e.Step
	}
	err := h.store.SaveTaskEvent(&store.TaskEvent{
		TaskID:   e.TaskID,
		AgentID:  e.AgentID,
		Status:   e.Status,
		Progress: e.Progress,
		Detail:   detail,
	})
	if err != nil {
		slog.Warn("record task event failed", "task", e.TaskID, "error", err)
	}
}

func (h *History) Status(Status)    {}
func (h *History) Agent(AgentEvent) {}
func (h *History) Log(LogLine)      {}
