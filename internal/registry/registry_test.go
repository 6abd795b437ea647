package registry

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRegisterIdempotent(t *testing.T) {
	r := New()

	a, created, _ := r.Register("agent-1", []string{"code"}, t0)
	if !created || a.Status != StatusReady || a.HealthScore != MaxHealth {
		t.Fatalf("unexpected first registration %+v created=%v", a, created)
	}

	a, created, _ = r.Register("agent-1", []string{"test", "code", "test"}, t0.Add(time.Second))
	if created {
		t.Error("expected re-registration to reuse the entry")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 agent, got %d", r.Len())
	}
	if len(a.Capabilities) != 2 || a.Capabilities[0] != "code" || a.Capabilities[1] != "test" {
		t.Errorf("expected refreshed capabilities [code test], got %v", a.Capabilities)
	}
}

func TestRegisterReturnsDroppedTask(t *testing.T) {
	r := New()
	a, _, _ := r.Register("agent-1", []string{"code"}, t0)
	a.Assign("T1")

	a, _, dropped := r.Register("agent-1", []string{"code"}, t0.Add(time.Second))
	if dropped != "T1" {
		t.Errorf("expected dropped T1, got %q", dropped)
	}
	if a.Status != StatusReady || a.CurrentTask != "" {
		t.Errorf("expected ready and idle, got %s %q", a.Status, a.CurrentTask)
	}
}

func TestSelectionOrder(t *testing.T) {
	r := New()
	first, _, _ := r.Register("first", []string{"code"}, t0)
	second, _, _ := r.Register("second", []string{"code"}, t0)
	third, _, _ := r.Register("third", []string{"code"}, t0)
	_, _, _ = r.Register("docs-only", []string{"docs"}, t0)

	// All equal: registration order.
	if got := r.Select("code"); got != first {
		t.Fatalf("expected first, got %s", got.ID)
	}

	// Fewer finished tasks wins at equal health.
	first.Usage.TasksCompleted = 2
	second.Usage.TasksFailed = 1
	if got := r.Select("code"); got != third {
		t.Errorf("expected third, got %s", got.ID)
	}

	// Health dominates load.
	third.ApplyError()
	if got := r.Select("code"); got != second {
		t.Errorf("expected second, got %s", got.ID)
	}

	// Busy agents are not available.
	second.Assign("T1")
	if got := r.Select("code"); got != first {
		t.Errorf("expected first, got %s", got.ID)
	}

	if got := r.Select("deploy"); got != nil {
		t.Errorf("expected no agent for deploy, got %s", got.ID)
	}
}

func TestErrorReportsExcludeLiveAgent(t *testing.T) {
	r := New()
	a, _, _ := r.Register("agent-1", []string{"code"}, t0)

	a.ApplyError()
	if a.HealthScore >= MaxHealth {
		t.Fatalf("expected score below %d, got %d", MaxHealth, a.HealthScore)
	}
	a.ApplyError()
	a.ApplyError()
	a.ApplyHeartbeat(Sample{At: t0.Add(time.Second)})
	if a.Schedulable() {
		t.Errorf("expected agent excluded at score %d", a.HealthScore)
	}
	if len(r.Available("code")) != 0 {
		t.Error("expected no available agents")
	}
}

func TestHeartbeatMonotonic(t *testing.T) {
	r := New()
	a, _, _ := r.Register("agent-1", nil, t0)
	a.HealthScore = 80

	if !a.ApplyHeartbeat(Sample{CPU: 10, At: t0.Add(2 * time.Second)}) {
		t.Fatal("expected newer heartbeat applied")
	}
	if a.HealthScore != 80+RecoveryStep {
		t.Errorf("expected recovery to %d, got %d", 80+RecoveryStep, a.HealthScore)
	}

	if a.ApplyHeartbeat(Sample{CPU: 99, At: t0.Add(time.Second)}) {
		t.Error("expected older heartbeat ignored")
	}
	if a.Usage.CPU != 10 || !a.LastHeartbeat.Equal(t0.Add(2*time.Second)) {
		t.Errorf("older sample must not change state: %+v", a)
	}

	a.ApplyHeartbeat(Sample{CPU: 95, At: t0.Add(3 * time.Second)})
	if a.HealthScore != 80+RecoveryStep-UsagePenalty {
		t.Errorf("expected usage penalty, got %d", a.HealthScore)
	}
}

func TestHealthBounded(t *testing.T) {
	a := &SlaveAgent{HealthScore: MaxHealth}
	a.ApplyHeartbeat(Sample{At: t0})
	if a.HealthScore != MaxHealth {
		t.Errorf("expected cap at %d, got %d", MaxHealth, a.HealthScore)
	}
	for range 10 {
		a.ApplyError()
	}
	if a.HealthScore != 0 {
		t.Errorf("expected floor at 0, got %d", a.HealthScore)
	}
}

func TestStaleAndCleanup(t *testing.T) {
	r := New()
	a, _, _ := r.Register("agent-1", nil, t0)
	b, _, _ := r.Register("agent-2", nil, t0)
	b.ApplyHeartbeat(Sample{At: t0.Add(25 * time.Second)})

	stale := r.Stale(t0.Add(31*time.Second), 30*time.Second)
	if len(stale) != 1 || stale[0] != a {
		t.Fatalf("expected agent-1 stale, got %v", stale)
	}

	a.Assign("T1")
	if held := a.Fail(t0.Add(31 * time.Second)); held != "T1" {
		t.Errorf("expected held task T1, got %q", held)
	}
	if a.CurrentTask != "" || a.Status != StatusFailed {
		t.Errorf("unexpected failed agent %+v", a)
	}
	if got := r.Stale(t0.Add(time.Hour), 30*time.Second); len(got) != 1 || got[0] != b {
		t.Errorf("failed agents are not reported stale again, got %v", got)
	}

	if removed := r.Cleanup(t0.Add(5*time.Minute), 10*time.Minute); len(removed) != 0 {
		t.Errorf("expected no cleanup inside grace, got %v", removed)
	}
	removed := r.Cleanup(t0.Add(time.Hour), 10*time.Minute)
	if len(removed) != 1 || removed[0] != "agent-1" {
		t.Errorf("expected agent-1 removed, got %v", removed)
	}
	if counts := r.Counts(); counts[StatusReady] != 1 || r.Len() != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestReleaseKeepsFailed(t *testing.T) {
	a := &SlaveAgent{Status: StatusFailed}
	a.Release()
	if a.Status != StatusFailed {
		t.Errorf("expected failed agent to stay failed, got %s", a.Status)
	}
}
