package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/drover/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func busMessage(id, recipient string, created time.Time, ttl time.Duration) *BusMessage {
	return &BusMessage{
		ID:          id,
		Type:        "HEALTH_CHECK",
		SenderID:    "master",
		RecipientID: recipient,
		Body:        []byte(`{"message_id":"` + id + `"}`),
		CreatedAt:   created,
		ExpiresAt:   created.Add(ttl),
	}
}

func TestBusMessageFetchByRecipient(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	for _, m := range []*BusMessage{
		busMessage("m2", "agent-1", base.Add(2*time.Second), time.Minute),
		busMessage("m1", "agent-1", base.Add(time.Second), time.Minute),
		busMessage("other", "agent-2", base, time.Minute),
		busMessage("all", "*", base.Add(3*time.Second), time.Minute),
	} {
		if err := s.SaveBusMessage(m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	msgs, err := s.FetchBusMessages("agent-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []string{"m1", "m2", "all"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	if string(msgs[0].Body) != `{"message_id":"m1"}` {
		t.Errorf("unexpected body %s", msgs[0].Body)
	}
	if !msgs[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("expected created_at %v, got %v", base.Add(time.Second), msgs[0].CreatedAt)
	}
}

func TestBusMessageDuplicateIgnored(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	m := busMessage("dup", "agent-1", now, time.Minute)
	if err := s.SaveBusMessage(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveBusMessage(m); err != nil {
		t.Fatalf("second save: %v", err)
	}

	n, err := s.CountBusMessages()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
}

func TestBusMessageDelete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	_ = s.SaveBusMessage(busMessage("a", "agent-1", now, time.Minute))
	_ = s.SaveBusMessage(busMessage("b", "agent-1", now, time.Minute))
	_ = s.SaveBusMessage(busMessage("c", "agent-1", now, time.Minute))

	if err := s.DeleteBusMessages("a", "c"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteBusMessages(); err != nil {
		t.Fatalf("delete nothing: %v", err)
	}

	msgs, _ := s.FetchBusMessages("agent-1")
	if len(msgs) != 1 || msgs[0].ID != "b" {
		t.Errorf("expected only b to remain, got %+v", msgs)
	}
}

func TestBusMessageDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	_ = s.SaveBusMessage(busMessage("old", "agent-1", now.Add(-time.Hour), time.Minute))
	_ = s.SaveBusMessage(busMessage("fresh", "agent-1", now, time.Minute))

	n, err := s.DeleteExpiredBusMessages(now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired message removed, got %d", n)
	}

	msgs, _ := s.FetchBusMessages("agent-1")
	if len(msgs) != 1 || msgs[0].ID != "fresh" {
		t.Errorf("expected fresh to remain, got %+v", msgs)
	}
}

func TestTaskEvents(t *testing.T) {
	s := newTestStore(t)

	events := []TaskEvent{
		{TaskID: "T1", Status: "queued"},
		{TaskID: "T1", AgentID: "agent-1", Status: "running", Progress: 10},
		{TaskID: "T2", Status: "queued"},
		{TaskID: "T1", AgentID: "agent-1", Status: "completed", Progress: 100, Detail: "ok"},
	}
	for i := range events {
		if err := s.SaveTaskEvent(&events[i]); err != nil {
			t.Fatalf("save event: %v", err)
		}
		if events[i].ID == 0 {
			t.Error("expected event id to be set")
		}
	}

	got, err := s.GetTaskEvents("T1", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events for T1, got %d", len(got))
	}
	if got[2].Status != "completed" || got[2].Detail != "ok" || got[2].AgentID != "agent-1" {
		t.Errorf("unexpected last event %+v", got[2])
	}
	if got[0].AgentID != "" {
		t.Errorf("expected empty agent id, got %s", got[0].AgentID)
	}

	recent, err := s.GetRecentTaskEvents(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(recent))
	}
	if recent[0].TaskID != "T2" || recent[1].Status != "completed" {
		t.Errorf("expected chronological order, got %+v", recent)
	}
}
