// Package scheduler submits tasks from recurring templates when they fall due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/events"
	"github.com/mtzanidakis/drover/internal/schedule"
	"github.com/mtzanidakis/drover/internal/tasks"
)

// Submitter accepts new tasks and exposes the task table so a template is
// not fired again while its previous run is still in progress.
type Submitter interface {
	Submit(tasks.Task) (tasks.View, error)
	Tasks() *tasks.Manager
}

// Entry is the public view of one template.
type Entry struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Type      string     `json:"type"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastTask  string     `json:"last_task,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type entry struct {
	tmpl     config.RecurringTask
	priority tasks.Priority
	raw      string
	next     time.Time
	lastRun  time.Time
	lastTask string
	lastErr  string
}

type Scheduler struct {
	sub          Submitter
	pub          events.Publisher
	pollInterval time.Duration

	mu      sync.Mutex
	entries []*entry
	now     func() time.Time
}

// New validates every template and computes its first run. A template with a
// bad schedule or priority fails the whole set.
func New(sub Submitter, pub events.Publisher, cfg config.SchedulerConfig, recurring []config.RecurringTask) (*Scheduler, error) {
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Scheduler{
		sub:          sub,
		pub:          pub,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}

	seen := make(map[string]bool)
	now := s.now()
	for _, r := range recurring {
		if r.Name == "" {
			return nil, fmt.Errorf("recurring task: name is required")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("recurring task %s: duplicate name", r.Name)
		}
		seen[r.Name] = true

		raw, err := schedule.Normalize(r.Schedule)
		if err != nil {
			return nil, fmt.Errorf("recurring task %s: %w", r.Name, err)
		}
		prio, err := tasks.ParsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("recurring task %s: %w", r.Name, err)
		}
		e := &entry{tmpl: r, priority: prio, raw: raw}
		if next := schedule.NextRun(raw, now); next != nil {
			e.next = *next
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval, "templates", len(s.entries))

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll submits every template whose next run has passed and returns how many
// tasks were submitted. Missed runs collapse into one.
func (s *Scheduler) Poll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	submitted := 0
	for _, e := range s.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		if s.execute(e, now) {
			submitted++
		}
		if next := schedule.NextRun(e.raw, now); next != nil {
			e.next = *next
		} else {
			slog.Info("recurring task has no further runs", "name", e.tmpl.Name)
			e.next = time.Time{}
		}
	}
	return submitted
}

func (s *Scheduler) execute(e *entry, now time.Time) bool {
	e.lastRun = now

	if e.lastTask != "" {
		if v, ok := s.sub.Tasks().Get(e.lastTask); ok && !v.Status.Terminal() {
			e.lastErr = fmt.Sprintf("previous run %s still %s", e.lastTask, v.Status)
			slog.Warn("skipping recurring task", "name", e.tmpl.Name, "reason", e.lastErr)
			return false
		}
	}

	task := tasks.Task{
		ID:          fmt.Sprintf("%s-%s", e.tmpl.Name, now.UTC().Format("20060102T150405")),
		Type:        e.tmpl.Type,
		Priority:    e.priority,
		Description: e.tmpl.Description,
		FilePattern: e.tmpl.FilePattern,
	}
	if _, err := s.sub.Submit(task); err != nil {
		e.lastErr = err.Error()
		events.Logf(s.pub, slog.LevelError, "scheduler", "recurring task submit failed",
			"name", e.tmpl.Name, "task_id", task.ID, "error", err)
		return false
	}

	e.lastTask = task.ID
	e.lastErr = ""
	events.Logf(s.pub, slog.LevelInfo, "scheduler", "recurring task submitted",
		"name", e.tmpl.Name, "task_id", task.ID)
	return true
}

// Entries lists the templates in configuration order.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		v := Entry{
			Name:      e.tmpl.Name,
			Schedule:  schedule.Format(e.raw),
			Type:      e.tmpl.Type,
			LastTask:  e.lastTask,
			LastError: e.lastErr,
		}
		if !e.next.IsZero() {
			next := e.next
			v.NextRun = &next
		}
		if !e.lastRun.IsZero() {
			last := e.lastRun
			v.LastRun = &last
		}
		out = append(out, v)
	}
	return out
}
