package message

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Headers carries routing information that travels with a message.
type Headers struct {
	// Tenant identifies the owner of the request
	Tenant string `json:"tenant"`

	// Topic is an optional routing topic
	Topic string `json:"topic,omitempty"`

	// Priority is an optional scheduling hint, higher is more urgent
	Priority int `json:"priority,omitempty"`
}

// Message is the envelope every unit of work travels in. The runtime never
// mutates a message in place once it has been emitted; derived messages get
// their own copy of Meta.
type Message struct {
	// Payload is the node-specific data
	Payload any `json:"payload"`

	// Headers carries tenant/topic routing information
	Headers Headers `json:"headers"`

	// TraceID groups every message belonging to one logical request
	TraceID string `json:"trace_id"`

	// Meta holds free-form annotations
	Meta map[string]any `json:"meta,omitempty"`

	// Deadline is the absolute wall-clock expiry of the request, if any
	Deadline *time.Time `json:"deadline,omitempty"`

	// CreatedAt is when the envelope was built
	CreatedAt time.Time `json:"created_at"`
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// New creates a message for the given tenant with a fresh trace id.
func New(payload any, headers Headers) *Message {
	return &Message{
		Payload:   payload,
		Headers:   headers,
		TraceID:   NewTraceID(),
		Meta:      make(map[string]any),
		CreatedAt: time.Now(),
	}
}

// WithTraceID sets the trace id for the message
func (m *Message) WithTraceID(traceID string) *Message {
	m.TraceID = traceID
	return m
}

// WithMeta adds a meta entry to the message
func (m *Message) WithMeta(key string, value any) *Message {
	if m.Meta == nil {
		m.Meta = make(map[string]any)
	}
	m.Meta[key] = value
	return m
}

// WithDeadline sets the absolute deadline of the message
func (m *Message) WithDeadline(deadline time.Time) *Message {
	m.Deadline = &deadline
	return m
}

// WithTimeout sets the deadline relative to now
func (m *Message) WithTimeout(d time.Duration) *Message {
	return m.WithDeadline(time.Now().Add(d))
}

// EnsureTraceID assigns a trace id when the message does not carry one.
func (m *Message) EnsureTraceID() string {
	if m.TraceID == "" {
		m.TraceID = NewTraceID()
	}
	return m.TraceID
}

// Expired reports whether the deadline has passed at the given instant.
func (m *Message) Expired(now time.Time) bool {
	return m.Deadline != nil && !now.Before(*m.Deadline)
}

// Derive builds a new message carrying payload that inherits trace id,
// headers, deadline and a copy of meta.
func (m *Message) Derive(payload any) *Message {
	out := &Message{
		Payload:   payload,
		Headers:   m.Headers,
		TraceID:   m.TraceID,
		Meta:      m.CloneMeta(),
		CreatedAt: time.Now(),
	}
	if m.Deadline != nil {
		d := *m.Deadline
		out.Deadline = &d
	}
	return out
}

// CloneMeta returns a shallow copy of the meta map.
func (m *Message) CloneMeta() map[string]any {
	out := make(map[string]any, len(m.Meta))
	maps.Copy(out, m.Meta)
	return out
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
