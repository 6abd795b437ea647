// Package bus moves control messages between the master and its agents.
// A pluggable Backend provides persistence; when it fails, messages fall
// back to a durable local queue and are replayed once it recovers.
package bus

import (
	"context"
	"time"

	"github.com/mtzanidakis/drover/internal/protocol"
)

// Backend is the persistence contract a message store must satisfy.
type Backend interface {
	Store(ctx context.Context, msg protocol.AgentMessage) error
	// FetchFor returns messages addressed to recipient or broadcast,
	// including expired ones.
	FetchFor(ctx context.Context, recipient string) ([]protocol.AgentMessage, error)
	Delete(ctx context.Context, msgs ...protocol.AgentMessage) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Notifier is told when a recipient has new mail so it can poll early.
type Notifier interface {
	Notify(recipient string)
}

// Sender is the send half of the adapter, as used by agents and the master.
type Sender interface {
	Send(ctx context.Context, msg protocol.AgentMessage) error
}

// Receiver is the receive half of the adapter.
type Receiver interface {
	ReceiveFor(ctx context.Context, recipient string) ([]protocol.AgentMessage, error)
}

// Transport combines both halves.
type Transport interface {
	Sender
	Receiver
}
