package flow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventNodeStart          EventType = "node_start"
	EventNodeSuccess        EventType = "node_success"
	EventNodeError          EventType = "node_error"
	EventNodeRetry          EventType = "node_retry"
	EventNodeTimeout        EventType = "node_timeout"
	EventNodeFailed         EventType = "node_failed"
	EventNodeTraceCancelled EventType = "node_trace_cancelled"
	EventDeadlineSkip       EventType = "deadline_skip"
	EventBudgetExhausted    EventType = "budget_exhausted"
	EventTraceCancelStart   EventType = "trace_cancel_start"
	EventTraceCancelDrop    EventType = "trace_cancel_drop"
	EventTraceCancelFinish  EventType = "trace_cancel_finish"
)

// Event is one structured lifecycle notification.
type Event struct {
	Type     EventType
	TraceID  string
	NodeName string
	NodeID   string
	Attempt  int
	Latency  time.Duration
	Err      error
	At       time.Time
	Fields   map[string]any
}

// FlowError returns the error record carried by a node_failed event.
func (e Event) FlowError() (*flowerrors.FlowError, bool) {
	return flowerrors.AsFlowError(e.Err)
}

// Stored converts the event into its durable form.
func (e Event) Stored() StoredEvent {
	s := StoredEvent{
		TraceID:   e.TraceID,
		Kind:      string(e.Type),
		NodeName:  e.NodeName,
		NodeID:    e.NodeID,
		Attempt:   e.Attempt,
		LatencyMs: float64(e.Latency) / float64(time.Millisecond),
		At:        e.At,
	}
	if e.Err != nil {
		s.Error = e.Err.Error()
	}
	if len(e.Fields) > 0 {
		s.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			s.Fields[k] = fmt.Sprint(v)
		}
	}
	return s
}

// Observer receives lifecycle events. Observers are called one at a time in
// registration order for each event, but from many goroutines over the life
// of a flow.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, ev Event)

// OnEvent implements Observer
func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type dispatcher struct {
	observers []Observer
	store     StateStore
	logger    *zap.Logger
}

func (d *dispatcher) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	for _, obs := range d.observers {
		d.deliver(ctx, obs, ev)
	}
	if d.store != nil {
		if err := d.store.SaveEvent(context.WithoutCancel(ctx), ev.Stored()); err != nil {
			d.logger.Warn("Failed to persist flow event",
				zap.String("event", string(ev.Type)),
				zap.String("trace_id", ev.TraceID),
				zap.Error(err))
		}
	}
}

func (d *dispatcher) deliver(ctx context.Context, obs Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Observer panicked",
				zap.String("event", string(ev.Type)),
				zap.String("trace_id", ev.TraceID),
				zap.Any("panic", r))
		}
	}()
	obs.OnEvent(ctx, ev)
}
