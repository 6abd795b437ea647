package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/mtzanidakis/drover/internal/protocol"
)

// MessageQueue holds messages that could not be handed to the backend.
// Every mutation is written through to a snapshot file so pending
// messages survive a restart.
type MessageQueue struct {
	mu    sync.Mutex
	path  string
	items []protocol.AgentMessage
}

type queueSnapshot struct {
	Messages []protocol.AgentMessage `json:"messages"`
}

// LoadQueue restores the queue from path. A missing file yields an empty
// queue. A corrupt file is moved aside and the queue starts empty. An
// empty path keeps the queue in memory only.
func LoadQueue(path string) *MessageQueue {
	q := &MessageQueue{path: path}
	if path == "" {
		return q
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		slog.Error("create message queue dir failed", "path", path, "error", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("message queue snapshot unreadable, starting empty", "path", path, "error", err)
		}
		return q
	}

	var snap queueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		aside := path + ".corrupt"
		_ = os.Rename(path, aside)
		slog.Error("message queue snapshot corrupt, starting empty", "path", path, "moved_to", aside, "error", err)
		return q
	}
	q.items = snap.Messages
	if len(q.items) > 0 {
		slog.Info("message queue restored", "pending", len(q.items))
	}
	return q
}

// Push appends m unless a message with the same id is already queued.
// If the snapshot cannot be written the message is not kept and the
// error is returned.
func (q *MessageQueue) Push(m protocol.AgentMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.ID == m.ID {
			return nil
		}
	}
	q.items = append(q.items, m)
	if err := q.persist(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

// Peek returns the oldest queued message.
func (q *MessageQueue) Peek() (protocol.AgentMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.AgentMessage{}, false
	}
	return q.items[0], true
}

func (q *MessageQueue) Remove(ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(ids) {
		return nil
	}
	return q.persist()
}

// TakeFor returns the live messages addressed to recipient, oldest first.
// Direct messages are removed; broadcasts stay until they expire. Expired
// entries met during the scan are dropped and counted.
func (q *MessageQueue) TakeFor(recipient string, now time.Time) (msgs []protocol.AgentMessage, expired int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0:0]
	for _, m := range q.items {
		switch {
		case m.Expired(now):
			expired++
		case m.RecipientID == recipient:
			msgs = append(msgs, m)
		case m.RecipientID == protocol.Broadcast && m.SenderID != recipient:
			msgs = append(msgs, m)
			kept = append(kept, m)
		default:
			kept = append(kept, m)
		}
	}
	if len(kept) == len(q.items) {
		return msgs, 0, nil
	}
	q.items = kept
	return msgs, expired, q.persist()
}

// DropExpired removes every message past its ttl.
func (q *MessageQueue) DropExpired(now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0:0]
	for _, m := range q.items {
		if !m.Expired(now) {
			kept = append(kept, m)
		}
	}
	n := len(q.items) - len(kept)
	if n == 0 {
		return 0, nil
	}
	q.items = kept
	return n, q.persist()
}

// DropBroadcastsFrom removes every broadcast sent by sender.
func (q *MessageQueue) DropBroadcastsFrom(sender string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0:0]
	for _, m := range q.items {
		if m.RecipientID != protocol.Broadcast || m.SenderID != sender {
			kept = append(kept, m)
		}
	}
	n := len(q.items) - len(kept)
	if n == 0 {
		return 0, nil
	}
	q.items = kept
	return n, q.persist()
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Messages returns a copy of the queued messages in order.
func (q *MessageQueue) Messages() []protocol.AgentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.AgentMessage, len(q.items))
	copy(out, q.items)
	return out
}

func (q *MessageQueue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persist()
}

func (q *MessageQueue) removeLocked(ids []string) bool {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := q.items[:0:0]
	for _, m := range q.items {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	changed := len(kept) != len(q.items)
	q.items = kept
	return changed
}

func (q *MessageQueue) persist() error {
	if q.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(queueSnapshot{Messages: q.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message queue: %w", err)
	}
	if err := atomicwriter.WriteFile(q.path, data, 0o644); err != nil {
		return fmt.Errorf("write message queue: %w", err)
	}
	return nil
}
