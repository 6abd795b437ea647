package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/drover/internal/protocol"
	"github.com/mtzanidakis/drover/internal/store"
)

// SQLiteBackend keeps messages in the shared sqlite database.
type SQLiteBackend struct {
	store *store.Store
}

func NewSQLiteBackend(s *store.Store) *SQLiteBackend {
	return &SQLiteBackend{store: s}
}

func (b *SQLiteBackend) Store(_ context.Context, msg protocol.AgentMessage) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}
	return b.store.SaveBusMessage(&store.BusMessage{
		ID:          msg.ID,
		Type:        string(msg.Type),
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Body:        body,
		CreatedAt:   msg.Timestamp,
		ExpiresAt:   msg.ExpiresAt(),
	})
}

func (b *SQLiteBackend) FetchFor(_ context.Context, recipient string) ([]protocol.AgentMessage, error) {
	rows, err := b.store.FetchBusMessages(recipient)
	if err != nil {
		return nil, err
	}

	msgs := make([]protocol.AgentMessage, 0, len(rows))
	var corrupt []string
	for _, row := range rows {
		m, err := protocol.Unmarshal(row.Body)
		if err != nil {
			slog.Error("discarding unreadable bus message", "id", row.ID, "error", err)
			corrupt = append(corrupt, row.ID)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(corrupt) > 0 {
		if err := b.store.DeleteBusMessages(corrupt...); err != nil {
			slog.Warn("delete unreadable bus messages failed", "error", err)
		}
	}
	return msgs, nil
}

func (b *SQLiteBackend) Delete(_ context.Context, msgs ...protocol.AgentMessage) error {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return b.store.DeleteBusMessages(ids...)
}

func (b *SQLiteBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	return b.store.DeleteExpiredBusMessages(now)
}

// Close is a no-op; the store is owned by the caller.
func (b *SQLiteBackend) Close() error {
	return nil
}
