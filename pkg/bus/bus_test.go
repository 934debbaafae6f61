package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Colony/pkg/concurrency"
	"github.com/wehubfusion/Colony/pkg/flow"
	"github.com/wehubfusion/Colony/pkg/message"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu        sync.Mutex
	msgs      []published
	failures  int
	streams   map[string]*nats.StreamConfig
	infoErr   error
	addCalled int
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{streams: make(map[string]*nats.StreamConfig)}
}

func (f *fakeJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("nats: no responders")
	}
	f.msgs = append(f.msgs, published{subject: subj, data: data})
	return &nats.PubAck{Stream: "COLONY_FLOW", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) StreamInfo(stream string) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalled++
	f.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func newTestBus(t *testing.T, js JetStream, cfg Config) *NATSBus {
	t.Helper()
	b, err := New(js, cfg, zap.NewNop())
	require.NoError(t, err)
	b.sleep = func(time.Duration) {}
	return b
}

func envelope(tenant string) flow.BusEnvelope {
	return flow.BusEnvelope{
		Edge:      "a->b",
		Source:    "a",
		Target:    "b",
		TraceID:   "trace-1",
		Headers:   message.Headers{Tenant: tenant},
		Payload:   map[string]any{"text": "hi"},
		EmittedAt: time.Now(),
	}
}

func TestNew_RequiresJetStream(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestPublish_RoutesByTenant(t *testing.T) {
	js := newFakeJetStream()
	b := newTestBus(t, js, Config{})

	require.NoError(t, b.Publish(context.Background(), envelope("acme")))
	require.NoError(t, b.Publish(context.Background(), envelope("")))
	require.NoError(t, b.Publish(context.Background(), envelope("big.corp *")))

	msgs := js.published()
	require.Len(t, msgs, 3)
	assert.Equal(t, "colony.flow.acme", msgs[0].subject)
	assert.Equal(t, "colony.flow.default", msgs[1].subject)
	assert.Equal(t, "colony.flow.big_corp__", msgs[2].subject)

	env, err := Decode(msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, "a->b", env.Edge)
	assert.Equal(t, "trace-1", env.TraceID)
	assert.Equal(t, "acme", env.Headers.Tenant)
	assert.Equal(t, map[string]any{"text": "hi"}, env.Payload)
}

func TestPublish_CreatesStreamOnce(t *testing.T) {
	js := newFakeJetStream()
	b := newTestBus(t, js, Config{Stream: "FLOWS", Subject: "flows"})

	for range 3 {
		require.NoError(t, b.Publish(context.Background(), envelope("acme")))
	}

	assert.Equal(t, 1, js.addCalled)
	require.Contains(t, js.streams, "FLOWS")
	assert.Equal(t, []string{"flows.>"}, js.streams["FLOWS"].Subjects)
}

func TestPublish_StreamLookupFailure(t *testing.T) {
	js := newFakeJetStream()
	js.infoErr = errors.New("permission denied")
	b := newTestBus(t, js, Config{})

	err := b.Publish(context.Background(), envelope("acme"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Empty(t, js.published())
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	js := newFakeJetStream()
	js.failures = 2
	b := newTestBus(t, js, Config{PublishMaxRetries: 3})

	require.NoError(t, b.Publish(context.Background(), envelope("acme")))
	assert.Len(t, js.published(), 1)
	assert.Equal(t, concurrency.StateClosed, b.BreakerState())
}

func TestPublish_BreakerOpensAfterFailures(t *testing.T) {
	js := newFakeJetStream()
	js.failures = 100
	b := newTestBus(t, js, Config{PublishMaxRetries: 0, BreakerThreshold: 2, BreakerReset: time.Hour})

	assert.Error(t, b.Publish(context.Background(), envelope("acme")))
	assert.Error(t, b.Publish(context.Background(), envelope("acme")))
	assert.Equal(t, concurrency.StateOpen, b.BreakerState())
	assert.ErrorIs(t, b.Publish(context.Background(), envelope("acme")), ErrCircuitOpen)
}

func TestPublish_UnencodablePayload(t *testing.T) {
	js := newFakeJetStream()
	b := newTestBus(t, js, Config{})

	env := envelope("acme")
	env.Payload = make(chan int)
	err := b.Publish(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marshal envelope")
}

func TestPublish_TracksConcurrency(t *testing.T) {
	js := newFakeJetStream()
	b := newTestBus(t, js, Config{MaxInFlight: 4})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Publish(context.Background(), envelope("acme")))
		}()
	}
	wg.Wait()

	m := b.Metrics()
	assert.Equal(t, int64(8), m.TotalAcquired)
	assert.Equal(t, int64(8), m.TotalReleased)
	assert.LessOrEqual(t, m.PeakActive, int64(4))
}

func TestBus_MirrorsFlowEmissions(t *testing.T) {
	js := newFakeJetStream()
	b := newTestBus(t, js, Config{})

	node := flow.NewNode("echo", func(_ context.Context, msg *message.Message, _ *flow.Context) (any, error) {
		return msg.Payload, nil
	})
	f, err := flow.New([]flow.Adjacency{node.To()}, flow.WithMessageBus(b))
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))
	defer func() { _ = f.Stop(context.Background()) }()

	require.NoError(t, f.Emit(context.Background(), message.New("hi", message.Headers{Tenant: "acme"})))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.Fetch(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(js.published()) == 2 }, time.Second, 5*time.Millisecond)
	for _, msg := range js.published() {
		assert.Equal(t, "colony.flow.acme", msg.subject)
	}
}
