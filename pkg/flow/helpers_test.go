package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/wehubfusion/Colony/pkg/message"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(typ EventType, node string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && (node == "" || ev.NodeName == node) {
			n++
		}
	}
	return n
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type memoryHistory struct {
	mu       sync.Mutex
	events   []StoredEvent
	bindings []RemoteBinding
}

func (m *memoryHistory) SaveEvent(_ context.Context, ev StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryHistory) LoadHistory(_ context.Context, traceID string) ([]StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StoredEvent
	for _, ev := range m.events {
		if ev.TraceID == traceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memoryHistory) SaveBinding(_ context.Context, b RemoteBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = append(m.bindings, b)
	return nil
}

func passthrough(_ context.Context, msg *message.Message, _ *Context) (any, error) {
	return msg.Payload, nil
}

// startFlow builds and starts a flow that is stopped when the test ends.
func startFlow(t *testing.T, adjacency []Adjacency, opts ...Option) *Flow {
	t.Helper()
	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithTracerProvider(noop.NewTracerProvider()),
	}, opts...)
	f, err := New(adjacency, opts...)
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.Stop(ctx)
	})
	return f
}

func fetch(t *testing.T, f *Flow) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := f.Fetch(ctx)
	require.NoError(t, err)
	return msg
}

func fetchNothing(t *testing.T, f *Flow, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	msg, err := f.Fetch(ctx)
	require.Error(t, err, "unexpected message %+v", msg)
}

func newTestRunner(obs ...Observer) (*runner, *[]time.Duration) {
	events := &dispatcher{observers: obs, logger: zap.NewNop()}
	r := newRunner(events, noop.NewTracerProvider().Tracer("test"), zap.NewNop())
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return r, &delays
}
