package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of control message carried by an envelope.
type MessageType string

const (
	TaskAssignment     MessageType = "TASK_ASSIGNMENT"
	TaskStatusUpdate   MessageType = "TASK_STATUS_UPDATE"
	HealthCheck        MessageType = "HEALTH_CHECK"
	ErrorReport        MessageType = "ERROR_REPORT"
	LoadBalanceRequest MessageType = "LOAD_BALANCE_REQUEST"
	ResourceRequest    MessageType = "RESOURCE_REQUEST"
	CoordinationSignal MessageType = "COORDINATION_SIGNAL"
)

// Broadcast is the recipient marker that addresses every receiver.
const Broadcast = "*"

// DefaultTTL applies when a message is built without an explicit ttl.
const DefaultTTL = 300 * time.Second

var ErrInvalidMessage = errors.New("invalid message")

var knownTypes = map[MessageType]bool{
	TaskAssignment:     true,
	TaskStatusUpdate:   true,
	HealthCheck:        true,
	ErrorReport:        true,
	LoadBalanceRequest: true,
	ResourceRequest:    true,
	CoordinationSignal: true,
}

// Known reports whether t is one of the message types this build understands.
func (t MessageType) Known() bool {
	return knownTypes[t]
}

// AgentMessage is the envelope exchanged between the master and its agents.
// It is persisted and transmitted verbatim.
type AgentMessage struct {
	ID          string
	Type        MessageType
	SenderID    string
	RecipientID string
	Payload     map[string]any
	Timestamp   time.Time
	TTL         time.Duration
}

// New builds a message stamped with the current time and the default TTL.
// The payload is normalized to its wire form, so numbers become float64.
func New(typ MessageType, sender, recipient string, payload map[string]any) AgentMessage {
	return AgentMessage{
		ID:          uuid.New().String(),
		Type:        typ,
		SenderID:    sender,
		RecipientID: recipient,
		Payload:     normalizePayload(payload),
		Timestamp:   time.Now().UTC(),
		TTL:         DefaultTTL,
	}
}

// NewWithPayload is New with a typed payload converted into the envelope map.
func NewWithPayload(typ MessageType, sender, recipient string, v any) (AgentMessage, error) {
	payload, err := EncodePayload(v)
	if err != nil {
		return AgentMessage{}, err
	}
	return New(typ, sender, recipient, payload), nil
}

// Validate fills a missing id and rejects envelopes lacking routing fields.
func (m *AgentMessage) Validate() error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		return fmt.Errorf("%w: message_type is required", ErrInvalidMessage)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender_id is required", ErrInvalidMessage)
	}
	if m.RecipientID == "" {
		return fmt.Errorf("%w: recipient_id is required", ErrInvalidMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidMessage)
	}
	if m.TTL <= 0 {
		m.TTL = DefaultTTL
	}
	m.TTL = wholeSeconds(m.TTL)
	m.Payload = normalizePayload(m.Payload)
	return nil
}

// wholeSeconds rounds d up to the second, the wire resolution of ttl.
func wholeSeconds(d time.Duration) time.Duration {
	return (d + time.Second - 1) / time.Second * time.Second
}

// normalizePayload gives payload the shape it has after a JSON round trip.
// A payload that cannot be encoded is left as is; Marshal reports it.
func normalizePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out, err := EncodePayload(payload)
	if err != nil || out == nil {
		return payload
	}
	return out
}

// Expired reports whether the message is past its time-to-live at now.
// A message exactly ttl old is still actionable.
func (m AgentMessage) Expired(now time.Time) bool {
	return now.Sub(m.Timestamp) > m.TTL
}

// ExpiresAt is the instant after which the message is no longer actionable.
func (m AgentMessage) ExpiresAt() time.Time {
	return m.Timestamp.Add(m.TTL)
}

// For reports whether the message addresses recipient, directly or by broadcast.
func (m AgentMessage) For(recipient string) bool {
	return m.RecipientID == recipient || m.RecipientID == Broadcast
}

type wireMessage struct {
	ID          string         `json:"message_id"`
	Type        MessageType    `json:"message_type"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Payload     map[string]any `json:"payload"`
	Timestamp   string         `json:"timestamp"`
	TTL         int64          `json:"ttl"`
}

func (m AgentMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:          m.ID,
		Type:        m.Type,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Payload:     m.Payload,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339Nano),
		TTL:         int64(m.TTL / time.Second),
	})
}

func (m *AgentMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrInvalidMessage, err)
	}
	*m = AgentMessage{
		ID:          w.ID,
		Type:        w.Type,
		SenderID:    w.SenderID,
		RecipientID: w.RecipientID,
		Payload:     w.Payload,
		Timestamp:   ts.UTC(),
		TTL:         time.Duration(w.TTL) * time.Second,
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return nil
}

// Marshal serializes the message to its wire form.
func (m AgentMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a wire-form message. Unknown message types are accepted
// here; receivers decide what to do with them.
func Unmarshal(data []byte) (AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return AgentMessage{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
