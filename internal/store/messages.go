package store

import (
	"fmt"
	"strings"
	"time"
)

// BusMessage is a persisted control message. Body holds the wire form.
type BusMessage struct {
	ID          string
	Type        string
	SenderID    string
	RecipientID string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

const broadcastRecipient = "*"

// Fixed-width so created_at sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SaveBusMessage stores m. Re-saving an id already present is a no-op so
// replays of the local queue cannot duplicate a message.
func (s *Store) SaveBusMessage(m *BusMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO bus_messages (id, message_type, sender_id, recipient_id, body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Type, m.SenderID, m.RecipientID, string(m.Body),
		m.CreatedAt.UTC().Format(timeLayout), m.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save bus message: %w", err)
	}
	return nil
}

// FetchBusMessages returns messages addressed to recipient or broadcast,
// oldest first. Expired rows are included; callers filter and delete them.
func (s *Store) FetchBusMessages(recipient string) ([]BusMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, message_type, sender_id, recipient_id, body, created_at, expires_at
		FROM bus_messages
		WHERE recipient_id IN (?, ?)
		ORDER BY created_at, rowid`, recipient, broadcastRecipient)
	if err != nil {
		return nil, fmt.Errorf("fetch bus messages: %w", err)
	}
	defer rows.Close()

	var msgs []BusMessage
	for rows.Next() {
		var m BusMessage
		var body, created string
		var expires int64
		if err := rows.Scan(&m.ID, &m.Type, &m.SenderID, &m.RecipientID, &body, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan bus message: %w", err)
		}
		m.Body = []byte(body)
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		m.ExpiresAt = time.UnixMilli(expires).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) DeleteBusMessages(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM bus_messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete bus messages: %w", err)
	}
	return nil
}

// DeleteExpiredBusMessages removes every row whose expiry is before now
// and reports how many were dropped.
func (s *Store) DeleteExpiredBusMessages(now time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM bus_messages WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired bus messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *Store) CountBusMessages() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bus_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bus messages: %w", err)
	}
	return n, nil
}
