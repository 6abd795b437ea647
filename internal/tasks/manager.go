// Package tasks keeps the durable task list: priority ordering,
// dependency gating, retry accounting and progress.
package tasks

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Manager struct {
	mu         sync.Mutex
	dir        string
	maxRetries int
	tasks      map[string]*Task
	states     map[string]*State
	seq        uint64
	now        func() time.Time
}

// NewManager loads persisted tasks from dir. An empty dir keeps
// everything in memory.
func NewManager(dir string, maxRetries int) *Manager {
	m := &Manager{
		dir:        dir,
		maxRetries: maxRetries,
		tasks:      make(map[string]*Task),
		states:     make(map[string]*State),
		now:        time.Now,
	}
	m.load()
	return m
}

// Enqueue validates t and adds it. Tasks whose dependencies are not yet
// completed wait in pending.
func (m *Manager) Enqueue(t Task) (View, error) {
	if err := t.validate(); err != nil {
		return View{}, err
	}
	p, err := ParsePriority(string(t.Priority))
	if err != nil {
		return View{}, err
	}
	t.Priority = p
	switch {
	case t.MaxRetries == 0:
		t.MaxRetries = m.maxRetries
	case t.MaxRetries < 0:
		t.MaxRetries = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[t.ID]; ok {
		return View{}, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if len(t.Dependencies) > 0 {
		graph := m.graphLocked()
		graph[t.ID] = t.Dependencies
		if _, err := BuildTiers(graph); err != nil {
			return View{}, err
		}
	}

	now := m.now().UTC()
	m.seq++
	t.Seq = m.seq
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	m.tasks[t.ID] = &t
	m.states[t.ID] = &State{Status: StatusPending, UpdatedAt: now}
	m.refreshLocked()
	m.persistLocked()

	slog.Info("task enqueued", "task", t.ID, "type", t.Type, "priority", t.Priority, "status", m.states[t.ID].Status)
	return m.viewLocked(t.ID), nil
}

// Ready returns queued tasks in scheduling order: priority first, then
// creation time, then insertion order.
func (m *Manager) Ready() []View {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []View
	for id, st := range m.states {
		if st.Status == StatusQueued {
			out = append(out, m.viewLocked(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// MarkRunning records that agentID took the task.
func (m *Manager) MarkRunning(id, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.Status != StatusQueued {
		return fmt.Errorf("task %s is %s, not queued", id, st.Status)
	}
	now := m.now().UTC()
	st.Status = StatusRunning
	st.AgentID = agentID
	st.Error = ""
	st.StartedAt = &now
	st.UpdatedAt = now
	m.persistLocked()
	return nil
}

func (m *Manager) MarkCompleted(id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.Status.Terminal() {
		return nil
	}
	now := m.now().UTC()
	st.Status = StatusCompleted
	st.Progress = 100
	st.Result = result
	st.Error = ""
	st.FinishedAt = &now
	st.UpdatedAt = now
	m.refreshLocked()
	m.persistLocked()
	return nil
}

// MarkFailed applies the retry policy: the task goes back to queued with
// retry_count incremented while retries remain, otherwise it fails
// terminally. It reports whether the task was requeued.
func (m *Manager) MarkFailed(id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.Status.Terminal() {
		return false, nil
	}
	t := m.tasks[id]
	now := m.now().UTC()
	st.Error = reason
	st.AgentID = ""
	st.UpdatedAt = now

	if st.RetryCount < t.MaxRetries {
		st.RetryCount++
		st.Status = StatusQueued
		st.Progress = 0
		st.CurrentStep = ""
		st.StartedAt = nil
		m.persistLocked()
		slog.Info("task requeued", "task", id, "retry", st.RetryCount, "max_retries", t.MaxRetries, "reason", reason)
		return true, nil
	}

	st.Status = StatusFailed
	st.FinishedAt = &now
	m.refreshLocked()
	m.persistLocked()
	slog.Warn("task failed", "task", id, "retries", st.RetryCount, "reason", reason)
	return false, nil
}

// Requeue returns a running task to the queue without charging a retry,
// used when an agent refused the assignment.
func (m *Manager) Requeue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.Status != StatusRunning {
		return nil
	}
	st.Status = StatusQueued
	st.AgentID = ""
	st.StartedAt = nil
	st.UpdatedAt = m.now().UTC()
	m.persistLocked()
	return nil
}

// Interrupt force-fails a task without retry.
func (m *Manager) Interrupt(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.Status.Terminal() {
		return nil
	}
	now := m.now().UTC()
	st.Status = StatusFailed
	st.Error = reason
	st.FinishedAt = &now
	st.UpdatedAt = now
	m.refreshLocked()
	m.persistLocked()
	return nil
}

// UpdateProgress records advisory progress. Values below the current
// progress are ignored; the result is clamped to 0..100.
func (m *Manager) UpdateProgress(id string, progress int, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if st.Status != StatusRunning {
		return nil
	}
	progress = min(max(progress, 0), 100)
	if progress > st.Progress {
		st.Progress = progress
	}
	if step != "" {
		st.CurrentStep = step
	}
	st.UpdatedAt = m.now().UTC()
	m.persistLocked()
	return nil
}

func (m *Manager) Get(id string) (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return View{}, false
	}
	return m.viewLocked(id), true
}

// List returns every task in creation order.
func (m *Manager) List() []View {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]View, 0, len(m.tasks))
	for id := range m.tasks {
		out = append(out, m.viewLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Manager) Counts() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int)
	for _, st := range m.states {
		counts[st.Status]++
	}
	return counts
}

func (m *Manager) RunningCount() int {
	return m.Counts()[StatusRunning]
}

// Tiers groups all known tasks by dependency depth.
func (m *Manager) Tiers() ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return BuildTiers(m.graphLocked())
}

func (m *Manager) graphLocked() map[string][]string {
	graph := make(map[string][]string, len(m.tasks)+1)
	for id, t := range m.tasks {
		graph[id] = t.Dependencies
	}
	return graph
}

// refreshLocked moves pending tasks to queued once all dependencies have
// completed, and to blocked once any dependency can no longer complete.
// It repeats until stable so blocking propagates down chains.
func (m *Manager) refreshLocked() {
	for changed := true; changed; {
		changed = false
		for id, st := range m.states {
			if st.Status != StatusPending {
				continue
			}
			next := StatusQueued
			for _, dep := range m.tasks[id].Dependencies {
				ds, ok := m.states[dep]
				switch {
				case !ok:
					next = StatusPending
				case ds.Status == StatusFailed || ds.Status == StatusBlocked:
					next = StatusBlocked
				case ds.Status != StatusCompleted && next != StatusBlocked:
					next = StatusPending
				}
				if next == StatusBlocked {
					break
				}
			}
			if next != StatusPending {
				st.Status = next
				st.UpdatedAt = m.now().UTC()
				if next == StatusBlocked {
					st.Error = "dependency failed"
				}
				changed = true
			}
		}
	}
}

func (m *Manager) viewLocked(id string) View {
	v := View{Task: *m.tasks[id], State: *m.states[id]}
	v.Dependencies = append([]string(nil), v.Dependencies...)
	return v
}
