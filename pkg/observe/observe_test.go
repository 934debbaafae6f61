package observe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/flow"
	"github.com/wehubfusion/Colony/pkg/message"
)

var errBoom = errors.New("boom")

func failingNode() *flow.Node {
	return flow.NewNode("broken", func(context.Context, *message.Message, *flow.Context) (any, error) {
		return nil, errBoom
	}, flow.WithID("node-1"))
}

func failedEvent() flow.Event {
	return flow.Event{
		Type:     flow.EventNodeFailed,
		TraceID:  "trace-1",
		NodeName: "broken",
		NodeID:   "node-1",
		Attempt:  2,
		Latency:  20 * time.Millisecond,
		Err:      flowerrors.NewFlowError("trace-1", "broken", "node-1", errBoom, map[string]any{"attempts": 3}),
	}
}

func TestLoggingObserver_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	obs := NewLoggingObserver(zap.New(core))

	obs.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeStart, TraceID: "t", NodeName: "a", Attempt: 0})
	obs.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeRetry, TraceID: "t", NodeName: "a",
		Attempt: 0, Fields: map[string]any{"delay": "500ms"}})
	obs.OnEvent(context.Background(), failedEvent())

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)

	assert.Equal(t, "flow", entries[0].LoggerName)
	assert.Equal(t, "node_start", entries[0].ContextMap()["event"])
	assert.Equal(t, "500ms", entries[1].ContextMap()["delay"])
	assert.Equal(t, "broken", entries[2].ContextMap()["node"])
	assert.Contains(t, entries[2].ContextMap()["error"], "boom")
}

func TestLoggingObserver_SkipsDisabledLevels(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	obs := NewLoggingObserver(zap.New(core))

	obs.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeStart, NodeName: "a"})
	obs.OnEvent(context.Background(), flow.Event{Type: flow.EventBudgetExhausted, NodeName: "ctl"})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "budget_exhausted", logs.All()[0].ContextMap()["event"])
}

func TestLoggingObserver_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLoggingObserver(nil).OnEvent(context.Background(), failedEvent())
	})
}

func TestMetricsObserver_CountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsObserver(reg)
	require.NoError(t, err)

	m.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeStart, NodeName: "a"})
	m.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeSuccess, NodeName: "a", Latency: 5 * time.Millisecond})
	m.OnEvent(context.Background(), flow.Event{Type: flow.EventTraceCancelStart, TraceID: "t"})
	m.OnEvent(context.Background(), failedEvent())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("a", "node_start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("a", "node_success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("_flow", "trace_cancel_start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FailuresTotal.WithLabelValues("broken", flowerrors.CodeNodeException)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.LatencySeconds), "one series per node and outcome")
}

func TestMetricsObserver_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetricsObserver(reg)
	require.NoError(t, err)

	_, err = NewMetricsObserver(reg)
	assert.Error(t, err)
}

func TestMetricsObserver_WithInvoke(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsObserver(reg)
	require.NoError(t, err)

	_, err = flow.Invoke(context.Background(), failingNode(), "x", flow.WithObserver(m))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("broken", "node_start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("broken", "node_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("broken", "node_failed")))
}

type capturedEvents struct {
	mu     sync.Mutex
	events []*sentry.Event
}

func (c *capturedEvents) beforeSend(ev *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturedEvents) all() []*sentry.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*sentry.Event(nil), c.events...)
}

func newTestHub(t *testing.T) (*sentry.Hub, *capturedEvents) {
	t.Helper()
	captured := &capturedEvents{}
	client, err := sentry.NewClient(sentry.ClientOptions{BeforeSend: captured.beforeSend})
	require.NoError(t, err)
	return sentry.NewHub(client, sentry.NewScope()), captured
}

func TestSentryObserver_ReportsErrorRecords(t *testing.T) {
	hub, captured := newTestHub(t)
	obs := NewSentryObserver(hub)

	obs.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeError, NodeName: "broken", Err: errBoom})
	obs.OnEvent(context.Background(), flow.Event{Type: flow.EventNodeStart, NodeName: "broken"})
	obs.OnEvent(context.Background(), failedEvent())

	events := captured.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "broken", ev.Tags["node"])
	assert.Equal(t, "trace-1", ev.Tags["trace_id"])
	assert.Equal(t, flowerrors.CodeNodeException, ev.Tags["code"])
	assert.Equal(t, []string{"colony", "broken", flowerrors.CodeNodeException}, ev.Fingerprint)
	require.Contains(t, ev.Contexts, "flow")
	assert.Equal(t, "3", ev.Contexts["flow"]["attempts"])
}
