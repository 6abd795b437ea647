package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/moby/sys/atomicwriter"
)

const (
	tasksFile  = "tasks.json"
	statusFile = "status.json"
)

// load restores the task list and status records. Unreadable files are
// moved aside and the manager starts from whatever could be read.
func (m *Manager) load() {
	if m.dir == "" {
		return
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		slog.Error("create tasks dir failed", "dir", m.dir, "error", err)
		return
	}

	var list []Task
	if ok, _ := m.readJSON(tasksFile, &list); !ok {
		return
	}
	states := make(map[string]*State)
	_, statusLost := m.readJSON(statusFile, &states)

	now := m.now().UTC()
	for i := range list {
		t := list[i]
		if t.ID == "" {
			continue
		}
		m.tasks[t.ID] = &t
		if t.Seq > m.seq {
			m.seq = t.Seq
		}

		st, ok := states[t.ID]
		switch {
		case ok && st != nil:
		case statusLost:
			// The task may already have run; hold it for review.
			st = &State{Status: StatusBlocked, Error: ErrStatusLost, UpdatedAt: now}
			slog.Warn("task status lost, holding task as blocked", "task", t.ID)
		default:
			st = &State{Status: StatusPending, UpdatedAt: now}
		}
		// Assignments do not survive a restart.
		if st.Status == StatusRunning {
			st.Status = StatusQueued
			st.AgentID = ""
			st.StartedAt = nil
			st.UpdatedAt = now
		}
		m.states[t.ID] = st
	}
	// Tasks written before sequence numbers keep file order.
	for _, lt := range list {
		if t := m.tasks[lt.ID]; t != nil && t.Seq == 0 {
			m.seq++
			t.Seq = m.seq
		}
	}
	m.refreshLocked()

	if len(m.tasks) > 0 {
		slog.Info("tasks restored", "count", len(m.tasks))
	}
}

// readJSON decodes name into v. lost is set when the file exists but could
// not be read or decoded.
func (m *Manager) readJSON(name string, v any) (ok, lost bool) {
	path := filepath.Join(m.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("task state unreadable, starting empty", "path", path, "error", err)
			return false, true
		}
		return false, false
	}
	if err := json.Unmarshal(data, v); err != nil {
		aside := path + ".corrupt"
		_ = os.Rename(path, aside)
		slog.Error("task state corrupt, starting empty", "path", path, "moved_to", aside, "error", err)
		return false, true
	}
	return true, false
}

func (m *Manager) persistLocked() {
	if m.dir == "" {
		return
	}

	list := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })

	if err := writeJSON(filepath.Join(m.dir, tasksFile), list); err != nil {
		slog.Error("persist tasks failed", "error", err)
	}
	if err := writeJSON(filepath.Join(m.dir, statusFile), m.states); err != nil {
		slog.Error("persist task status failed", "error", err)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
