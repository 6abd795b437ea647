package agent

import (
	"sync"

	"github.com/mtzanidakis/drover/internal/protocol"
)

// Inbox is the agent's FIFO of received messages. Only one caller drains
// it at a time so messages are handled in arrival order.
type Inbox struct {
	pending  []protocol.AgentMessage
	mu       sync.Mutex
	draining bool
}

func (q *Inbox) Push(msgs ...protocol.AgentMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msgs...)
}

func (q *Inbox) Pop() (protocol.AgentMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return protocol.AgentMessage{}, false
	}

	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}

// TryLock claims the right to drain. It fails while another drain runs.
func (q *Inbox) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return false
	}
	q.draining = true
	return true
}

func (q *Inbox) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.draining = false
}

func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
