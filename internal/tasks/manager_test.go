package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func task(id string, p Priority, deps ...string) Task {
	return Task{ID: id, Type: "code", Priority: p, Description: "do " + id, Dependencies: deps}
}

func ids(views []View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func TestEnqueueValidation(t *testing.T) {
	m := NewManager("", 3)

	tests := []struct {
		name string
		task Task
	}{
		{"missing id", Task{Type: "code", Description: "x"}},
		{"missing type", Task{ID: "T1", Description: "x"}},
		{"missing description", Task{ID: "T1", Type: "code"}},
		{"bad priority", Task{ID: "T1", Type: "code", Description: "x", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Enqueue(tt.task); !errors.Is(err, ErrInvalidTask) {
				t.Errorf("expected ErrInvalidTask, got %v", err)
			}
		})
	}

	if _, err := m.Enqueue(task("T1", "")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.Enqueue(task("T1", High)); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
	v, _ := m.Get("T1")
	if v.Priority != Medium {
		t.Errorf("expected default priority medium, got %s", v.Priority)
	}
	if v.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", v.MaxRetries)
	}
}

func TestReadyOrder(t *testing.T) {
	m := NewManager("", 3)
	for _, tk := range []Task{
		task("low-1", Low),
		task("med-1", Medium),
		task("crit-1", Critical),
		task("high-1", High),
		task("crit-2", Critical),
		task("low-2", Low),
	} {
		if _, err := m.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %s: %v", tk.ID, err)
		}
	}

	got := ids(m.Ready())
	want := []string{"crit-1", "crit-2", "high-1", "med-1", "low-1", "low-2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestReadyOrderUsesCreationTime(t *testing.T) {
	m := NewManager("", 3)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	late := task("late", High)
	late.CreatedAt = base.Add(time.Minute)
	early := task("early", High)
	early.CreatedAt = base
	tieA := task("tie-a", Low)
	tieA.CreatedAt = base
	tieB := task("tie-b", Low)
	tieB.CreatedAt = base

	for _, tk := range []Task{late, early, tieA, tieB} {
		if _, err := m.Enqueue(tk); err != nil {
			t.Fatalf("enqueue %s: %v", tk.ID, err)
		}
	}
	got := ids(m.Ready())
	want := []string{"early", "late", "tie-a", "tie-b"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRetryPolicy(t *testing.T) {
	m := NewManager("", 2)
	_, _ = m.Enqueue(task("T1", High))

	for attempt := 1; attempt <= 2; attempt++ {
		if err := m.MarkRunning("T1", "agent-1"); err != nil {
			t.Fatalf("attempt %d: mark running: %v", attempt, err)
		}
		requeued, err := m.MarkFailed("T1", "boom")
		if err != nil {
			t.Fatal(err)
		}
		if !requeued {
			t.Fatalf("attempt %d: expected requeue", attempt)
		}
		v, _ := m.Get("T1")
		if v.Status != StatusQueued || v.RetryCount != attempt || v.Priority != High {
			t.Errorf("attempt %d: unexpected state %+v", attempt, v.State)
		}
	}

	_ = m.MarkRunning("T1", "agent-1")
	requeued, _ := m.MarkFailed("T1", "boom again")
	if requeued {
		t.Error("expected terminal failure after exhausting retries")
	}
	v, _ := m.Get("T1")
	if v.Status != StatusFailed || v.RetryCount != 2 || v.Error != "boom again" {
		t.Errorf("unexpected terminal state %+v", v.State)
	}

	// Terminal tasks ignore further failures.
	if requeued, _ := m.MarkFailed("T1", "late"); requeued {
		t.Error("terminal task must not be requeued")
	}
}

func TestNegativeMaxRetriesDisablesRetry(t *testing.T) {
	m := NewManager("", 3)
	tk := task("T1", Low)
	tk.MaxRetries = -1
	_, _ = m.Enqueue(tk)
	_ = m.MarkRunning("T1", "a")
	if requeued, _ := m.MarkFailed("T1", "x"); requeued {
		t.Error("expected no retry")
	}
}

func TestRequeueKeepsRetryCount(t *testing.T) {
	m := NewManager("", 3)
	_, _ = m.Enqueue(task("T1", Low))
	_ = m.MarkRunning("T1", "agent-1")

	if err := m.Requeue("T1"); err != nil {
		t.Fatal(err)
	}
	v, _ := m.Get("T1")
	if v.Status != StatusQueued || v.RetryCount != 0 || v.AgentID != "" {
		t.Errorf("unexpected state after requeue %+v", v.State)
	}
}

func TestProgressMonotonic(t *testing.T) {
	m := NewManager("", 3)
	_, _ = m.Enqueue(task("T1", Low))
	_ = m.MarkRunning("T1", "agent-1")

	steps := []struct {
		progress int
		step     string
		want     int
	}{
		{10, "lint", 10},
		{50, "test", 50},
		{30, "", 50},
		{250, "done", 100},
	}
	for _, s := range steps {
		if err := m.UpdateProgress("T1", s.progress, s.step); err != nil {
			t.Fatal(err)
		}
		v, _ := m.Get("T1")
		if v.Progress != s.want {
			t.Errorf("after %d: expected %d, got %d", s.progress, s.want, v.Progress)
		}
	}
	v, _ := m.Get("T1")
	if v.CurrentStep != "done" {
		t.Errorf("expected step done, got %s", v.CurrentStep)
	}
}

func TestDependencies(t *testing.T) {
	m := NewManager("", 0)
	_, _ = m.Enqueue(task("build", High))
	test, _ := m.Enqueue(task("test", High, "build"))
	deploy, _ := m.Enqueue(task("deploy", High, "test"))

	if test.Status != StatusPending || deploy.Status != StatusPending {
		t.Fatalf("expected dependents pending, got %s %s", test.Status, deploy.Status)
	}
	if got := ids(m.Ready()); len(got) != 1 || got[0] != "build" {
		t.Fatalf("expected only build ready, got %v", got)
	}

	_ = m.MarkRunning("build", "a")
	_ = m.MarkCompleted("build", nil)
	if got := ids(m.Ready()); len(got) != 1 || got[0] != "test" {
		t.Fatalf("expected test ready, got %v", got)
	}

	_ = m.MarkRunning("test", "a")
	if requeued, _ := m.MarkFailed("test", "red"); requeued {
		t.Fatal("expected terminal failure with zero retries")
	}
	v, _ := m.Get("deploy")
	if v.Status != StatusBlocked {
		t.Errorf("expected deploy blocked, got %s", v.Status)
	}

	tiers, err := m.Tiers()
	if err != nil {
		t.Fatal(err)
	}
	if len(tiers) != 3 || tiers[0][0] != "build" || tiers[2][0] != "deploy" {
		t.Errorf("unexpected tiers %v", tiers)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	m := NewManager("", 3)
	// Forward references are allowed; the task waits.
	if _, err := m.Enqueue(task("a", Low, "b")); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := m.Enqueue(task("b", Low, "a")); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
	if _, err := m.Enqueue(task("c", Low, "c")); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle for self dependency, got %v", err)
	}
}

func TestInterrupt(t *testing.T) {
	m := NewManager("", 3)
	_, _ = m.Enqueue(task("T1", Low))
	_ = m.MarkRunning("T1", "a")

	if err := m.Interrupt("T1", "interrupted"); err != nil {
		t.Fatal(err)
	}
	v, _ := m.Get("T1")
	if v.Status != StatusFailed || v.Error != "interrupted" {
		t.Errorf("unexpected state %+v", v.State)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3)
	_, _ = m.Enqueue(task("T1", Critical))
	_, _ = m.Enqueue(task("T2", Low))
	_, _ = m.Enqueue(task("T3", Medium, "T2"))
	_ = m.MarkRunning("T1", "agent-1")
	_ = m.UpdateProgress("T1", 40, "half")

	r := NewManager(dir, 3)
	if len(r.List()) != 3 {
		t.Fatalf("expected 3 tasks restored, got %d", len(r.List()))
	}
	v, _ := r.Get("T1")
	if v.Status != StatusQueued || v.AgentID != "" {
		t.Errorf("expected running task requeued on restart, got %+v", v.State)
	}
	v3, _ := r.Get("T3")
	if v3.Status != StatusPending || len(v3.Dependencies) != 1 {
		t.Errorf("unexpected T3 %+v", v3)
	}

	// New tasks continue the sequence.
	_, _ = r.Enqueue(task("T4", Low))
	got := ids(r.Ready())
	if got[len(got)-1] != "T4" {
		t.Errorf("expected T4 last in FIFO order, got %v", got)
	}
}

func TestCorruptStateStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, tasksFile), []byte("[{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dir, 3)
	if len(m.List()) != 0 {
		t.Errorf("expected empty manager, got %d tasks", len(m.List()))
	}
	if _, err := os.Stat(filepath.Join(dir, tasksFile+".corrupt")); err != nil {
		t.Errorf("expected corrupt file moved aside: %v", err)
	}
	if _, err := m.Enqueue(task("T1", Low)); err != nil {
		t.Errorf("expected manager usable after corrupt load: %v", err)
	}
}

func TestCorruptStatusFileHoldsTasksForReview(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3)
	_, _ = m.Enqueue(task("T1", Low))
	_, _ = m.Enqueue(task("T2", Low))
	_ = m.MarkRunning("T1", "agent-1")
	_ = m.MarkCompleted("T1", nil)

	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewManager(dir, 3)
	for _, id := range []string{"T1", "T2"} {
		v, ok := r.Get(id)
		if !ok || v.Status != StatusBlocked || v.Error != ErrStatusLost {
			t.Errorf("expected %s held as blocked, got %+v", id, v.State)
		}
	}
	if len(r.Ready()) != 0 {
		t.Errorf("expected nothing scheduled after losing status, got %v", ids(r.Ready()))
	}
	if _, err := os.Stat(filepath.Join(dir, statusFile+".corrupt")); err != nil {
		t.Errorf("expected corrupt status moved aside: %v", err)
	}
}

func TestMissingStatusFileStartsPending(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3)
	_, _ = m.Enqueue(task("T1", Low))
	if err := os.Remove(filepath.Join(dir, statusFile)); err != nil {
		t.Fatal(err)
	}

	r := NewManager(dir, 3)
	v, ok := r.Get("T1")
	if !ok || v.Status != StatusQueued {
		t.Errorf("expected T1 queued, got %+v", v.State)
	}
}
