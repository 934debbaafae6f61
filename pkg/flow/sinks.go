package flow

import (
	"context"
	"time"

	"github.com/wehubfusion/Colony/pkg/message"
)

// StoredEvent is the durable form of a lifecycle event.
type StoredEvent struct {
	TraceID   string         `json:"trace_id"`
	Kind      string         `json:"kind"`
	NodeName  string         `json:"node_name,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Attempt   int            `json:"attempt"`
	LatencyMs float64        `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// RemoteBinding correlates a trace with a task running in another system.
type RemoteBinding struct {
	TraceID   string    `json:"trace_id"`
	ContextID string    `json:"context_id"`
	TaskID    string    `json:"task_id"`
	AgentURL  string    `json:"agent_url"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore persists lifecycle events and remote bindings.
type StateStore interface {
	SaveEvent(ctx context.Context, ev StoredEvent) error
	LoadHistory(ctx context.Context, traceID string) ([]StoredEvent, error)
	SaveBinding(ctx context.Context, b RemoteBinding) error
}

// BusEnvelope is what a MessageBus receives for every emission along an edge.
type BusEnvelope struct {
	Edge      string          `json:"edge"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	TraceID   string          `json:"trace_id"`
	Headers   message.Headers `json:"headers"`
	Payload   any             `json:"payload"`
	Meta      map[string]any  `json:"meta,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// MessageBus mirrors emissions to an external transport.
type MessageBus interface {
	Publish(ctx context.Context, env BusEnvelope) error
}
