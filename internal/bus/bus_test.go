package bus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/protocol"
	"github.com/mtzanidakis/drover/internal/store"
)

// fakeBackend is an in-memory Backend whose failures can be toggled.
type fakeBackend struct {
	mu     sync.Mutex
	msgs   []protocol.AgentMessage
	fail   bool
	stores int
}

var errBackendDown = errors.New("backend down")

func (f *fakeBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeBackend) Store(_ context.Context, m protocol.AgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	if f.fail {
		return errBackendDown
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeBackend) FetchFor(_ context.Context, recipient string) ([]protocol.AgentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errBackendDown
	}
	var out []protocol.AgentMessage
	for _, m := range f.msgs {
		if m.For(recipient) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) Delete(_ context.Context, msgs ...protocol.AgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := map[string]bool{}
	for _, m := range msgs {
		drop[m.ID] = true
	}
	var kept []protocol.AgentMessage
	for _, m := range f.msgs {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	f.msgs = kept
	return nil
}

func (f *fakeBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []protocol.AgentMessage
	for _, m := range f.msgs {
		if !m.Expired(now) {
			kept = append(kept, m)
		}
	}
	n := len(f.msgs) - len(kept)
	f.msgs = kept
	return n, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type notifyRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (n *notifyRecorder) Notify(recipient string) {
	n.mu.Lock()
	n.seen = append(n.seen, recipient)
	n.mu.Unlock()
}

func TestSendAndReceiveDirect(t *testing.T) {
	be := &fakeBackend{}
	n := &notifyRecorder{}
	a := NewAdapter(be, Options{Notifier: n})
	ctx := context.Background()

	m := protocol.New(protocol.TaskAssignment, "master", "agent-1", map[string]any{"task_id": "T1"})
	if err := a.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(n.seen) != 1 || n.seen[0] != "agent-1" {
		t.Errorf("expected agent-1 to be notified, got %v", n.seen)
	}

	got, err := a.ReceiveFor(ctx, "agent-2")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected nothing for agent-2, got %d", len(got))
	}

	got, _ = a.ReceiveFor(ctx, "agent-1")
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("expected message %s, got %+v", m.ID, got)
	}
	if be.len() != 0 {
		t.Errorf("expected direct message acked from backend, %d left", be.len())
	}
	got, _ = a.ReceiveFor(ctx, "agent-1")
	if len(got) != 0 {
		t.Errorf("expected direct message delivered once, got %d", len(got))
	}
}

func TestBroadcastDeliveredOncePerRecipient(t *testing.T) {
	be := &fakeBackend{}
	a := NewAdapter(be, Options{})
	ctx := context.Background()

	m := protocol.New(protocol.CoordinationSignal, "master", protocol.Broadcast, map[string]any{"signal": "pause"})
	if err := a.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, r := range []string{"agent-1", "agent-2"} {
		got, _ := a.ReceiveFor(ctx, r)
		if len(got) != 1 {
			t.Errorf("%s: expected broadcast, got %d", r, len(got))
		}
		got, _ = a.ReceiveFor(ctx, r)
		if len(got) != 0 {
			t.Errorf("%s: expected broadcast once, got %d", r, len(got))
		}
	}
	// The sender does not receive its own broadcast.
	if got, _ := a.ReceiveFor(ctx, "master"); len(got) != 0 {
		t.Errorf("expected sender to skip own broadcast, got %d", len(got))
	}
	if be.len() != 1 {
		t.Errorf("expected broadcast to stay stored until ttl, got %d", be.len())
	}
}

func TestExpiredMessagesNeverDelivered(t *testing.T) {
	be := &fakeBackend{}
	a := NewAdapter(be, Options{})
	ctx := context.Background()

	stale := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	stale.TTL = time.Second
	fresh := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	if err := a.Send(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	a.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	got, _ := a.ReceiveFor(ctx, "master")
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("expected only fresh message, got %+v", got)
	}
	if be.len() != 0 {
		t.Errorf("expected expired entry deleted during scan, %d left", be.len())
	}

	// Already expired at send time: dropped without touching the backend.
	old := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	old.Timestamp = time.Now().Add(-time.Hour)
	before := be.stores
	if err := a.Send(ctx, old); err != nil {
		t.Fatalf("send expired: %v", err)
	}
	if be.stores != before || a.Pending() != 0 {
		t.Error("expected expired message to be dropped")
	}
}

func TestSendFallsBackToQueueAndSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	be := &fakeBackend{fail: true}
	a := NewAdapter(be, Options{QueuePath: path})
	ctx := context.Background()

	m := protocol.New(protocol.TaskStatusUpdate, "agent-1", "master", map[string]any{"task_id": "T1", "status": "completed"})
	if err := a.Send(ctx, m); err != nil {
		t.Fatalf("send should fall back, got %v", err)
	}
	if a.Pending() != 1 {
		t.Fatalf("expected 1 queued message, got %d", a.Pending())
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Restart with the snapshot.
	b := NewAdapter(&fakeBackend{fail: true}, Options{QueuePath: path})
	if b.Pending() != 1 {
		t.Fatalf("expected 1 pending message after restart, got %d", b.Pending())
	}
	pending := b.queue.Messages()
	if pending[0].ID != m.ID || pending[0].Payload["task_id"] != "T1" {
		t.Errorf("unexpected restored message %+v", pending[0])
	}

	// Queued messages are still deliverable while the backend is down.
	got, _ := b.ReceiveFor(ctx, "master")
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("expected queued message delivered, got %+v", got)
	}
	if b.Pending() != 0 {
		t.Errorf("expected queue drained after delivery, got %d", b.Pending())
	}
}

func TestPurgeBroadcastsFromPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	be := &fakeBackend{}
	ctx := context.Background()

	stored := protocol.New(protocol.CoordinationSignal, "master", protocol.Broadcast, map[string]any{"signal": "shutdown"})
	other := protocol.New(protocol.CoordinationSignal, "master-2", protocol.Broadcast, map[string]any{"signal": "pause"})
	direct := protocol.New(protocol.TaskAssignment, "master", "agent-1", map[string]any{"task_id": "T1"})
	for _, m := range []protocol.AgentMessage{stored, other, direct} {
		if err := be.Store(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	old := NewAdapter(&fakeBackend{fail: true}, Options{QueuePath: path})
	queued := protocol.New(protocol.CoordinationSignal, "master", protocol.Broadcast, map[string]any{"signal": "shutdown"})
	if err := old.Send(ctx, queued); err != nil {
		t.Fatal(err)
	}
	if err := old.Close(); err != nil {
		t.Fatal(err)
	}

	a := NewAdapter(be, Options{QueuePath: path})
	n, err := a.PurgeBroadcasts(ctx, "master")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 broadcasts purged, got %d", n)
	}
	if a.Pending() != 0 {
		t.Errorf("expected queued broadcast purged, got %d pending", a.Pending())
	}
	if be.len() != 2 {
		t.Errorf("expected foreign broadcast and direct message kept, got %d", be.len())
	}

	got, _ := a.ReceiveFor(ctx, "agent-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages for agent-1, got %+v", got)
	}
	for _, m := range got {
		if m.ID == stored.ID || m.ID == queued.ID {
			t.Errorf("purged broadcast %s still delivered", m.ID)
		}
	}
}

func TestSendFailingEveryCallQueuesEachMessageOnce(t *testing.T) {
	be := &fakeBackend{fail: true}
	a := NewAdapter(be, Options{})
	ctx := context.Background()

	m := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	for range 5 {
		if err := a.Send(ctx, m); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if a.Pending() != 1 {
		t.Errorf("expected message queued exactly once, got %d", a.Pending())
	}
}

func TestReplayAfterRecovery(t *testing.T) {
	be := &fakeBackend{fail: true}
	a := NewAdapter(be, Options{})
	ctx := context.Background()

	first := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	second := protocol.New(protocol.HealthCheck, "agent-2", "master", nil)
	_ = a.Send(ctx, first)
	_ = a.Send(ctx, second)
	if a.Pending() != 2 {
		t.Fatalf("expected 2 queued, got %d", a.Pending())
	}

	be.setFail(false)
	// Let the breaker half-open.
	deadline := time.Now().Add(10 * time.Second)
	for a.Pending() > 0 && time.Now().Before(deadline) {
		a.Replay(ctx)
		if a.Pending() > 0 {
			time.Sleep(200 * time.Millisecond)
		}
	}
	if a.Pending() != 0 {
		t.Fatalf("expected queue drained, %d left", a.Pending())
	}
	if be.len() != 2 {
		t.Fatalf("expected 2 messages in backend, got %d", be.len())
	}
	be.mu.Lock()
	if be.msgs[0].ID != first.ID {
		t.Error("expected replay to preserve order")
	}
	be.mu.Unlock()
}

func TestReceiveOrdersByTimestamp(t *testing.T) {
	be := &fakeBackend{}
	a := NewAdapter(be, Options{})
	ctx := context.Background()
	base := time.Now().UTC()

	late := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	late.Timestamp = base.Add(time.Second)
	early := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	early.Timestamp = base
	_ = a.Send(ctx, late)
	_ = a.Send(ctx, early)

	got, _ := a.ReceiveFor(ctx, "master")
	if len(got) != 2 || got[0].ID != early.ID {
		t.Errorf("expected timestamp order, got %+v", got)
	}
}

func TestNilBackendUsesQueue(t *testing.T) {
	a := NewAdapter(nil, Options{})
	ctx := context.Background()

	m := protocol.New(protocol.TaskAssignment, "master", "agent-1", nil)
	if err := a.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, _ := a.ReceiveFor(ctx, "agent-1")
	if len(got) != 1 {
		t.Errorf("expected message via local queue, got %d", len(got))
	}
}

func TestSendRejectsInvalid(t *testing.T) {
	a := NewAdapter(&fakeBackend{}, Options{})
	err := a.Send(context.Background(), protocol.AgentMessage{Type: protocol.HealthCheck, SenderID: "a", Timestamp: time.Now()})
	if !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	be := &fakeBackend{}
	a := NewAdapter(be, Options{})
	ctx := context.Background()

	m := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	m.TTL = time.Second
	_ = a.Send(ctx, m)
	be.setFail(true)
	q := protocol.New(protocol.HealthCheck, "agent-1", "master", nil)
	q.TTL = time.Second
	_ = a.Send(ctx, q)
	be.setFail(false)

	a.now = func() time.Time { return time.Now().Add(time.Minute) }
	a.Sweep(ctx)
	if be.len() != 0 || a.Pending() != 0 {
		t.Errorf("expected sweep to clear both stores, backend=%d queue=%d", be.len(), a.Pending())
	}
}

func TestLoadQueueCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := LoadQueue(path)
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("expected corrupt snapshot moved aside: %v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "bus.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	// Two adapters over one database, as master and agent processes.
	master := NewAdapter(NewSQLiteBackend(st), Options{})
	agent := NewAdapter(NewSQLiteBackend(st), Options{})
	ctx := context.Background()

	m := protocol.New(protocol.TaskAssignment, "master", "agent-1", map[string]any{"task_id": "T9"})
	if err := master.Send(ctx, m); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := agent.ReceiveFor(ctx, "agent-1")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 1 || got[0].Payload["task_id"] != "T9" {
		t.Fatalf("expected assignment, got %+v", got)
	}
	if n, _ := st.CountBusMessages(); n != 0 {
		t.Errorf("expected message acked, %d rows left", n)
	}
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("DROVER_TEST_REDIS")
	if addr == "" {
		t.Skip("DROVER_TEST_REDIS not set")
	}
	ctx := context.Background()
	be, err := NewRedisBackend(ctx, config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	be.prefix = "drover-test:" + t.Name() + ":"
	a := NewAdapter(be, Options{})
	defer a.Close()

	m := protocol.New(protocol.TaskAssignment, "master", "agent-1", nil)
	all := protocol.New(protocol.CoordinationSignal, "master", protocol.Broadcast, nil)
	if err := a.Send(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(ctx, all); err != nil {
		t.Fatal(err)
	}
	if a.Pending() != 0 {
		t.Fatalf("expected redis to accept messages, %d queued", a.Pending())
	}

	got, _ := a.ReceiveFor(ctx, "agent-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if _, err := be.DeleteExpired(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Errorf("delete expired: %v", err)
	}
}
