package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Colony/pkg/message"
)

func msgFor(trace string, payload any) *message.Message {
	return message.New(payload, message.Headers{}).WithTraceID(trace)
}

func TestFloe_FIFO(t *testing.T) {
	floe := newFloe("a", "b", 3, nil)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, floe.Put(ctx, msgFor("t", i)))
	}
	assert.Equal(t, 3, floe.Len())

	for i := range 3 {
		msg, err := floe.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, msg.Payload)
	}
	_, ok := floe.TryGet()
	assert.False(t, ok)
}

func TestFloe_PutNowaitFull(t *testing.T) {
	floe := newFloe("a", "b", 1, nil)

	require.NoError(t, floe.PutNowait(msgFor("t", 1)))
	err := floe.PutNowait(msgFor("t", 2))
	assert.ErrorIs(t, err, ErrFloeFull)
	assert.Equal(t, 1, floe.Len())
}

func TestFloe_PutWaitsForSpace(t *testing.T) {
	floe := newFloe("a", "b", 1, nil)
	ctx := context.Background()
	require.NoError(t, floe.Put(ctx, msgFor("t", 1)))

	done := make(chan error, 1)
	go func() { done <- floe.Put(ctx, msgFor("t", 2)) }()

	select {
	case <-done:
		t.Fatal("Put should block while the floe is full")
	case <-time.After(30 * time.Millisecond):
	}

	first, err := floe.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Payload)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Put did not resume after Get")
	}
	second, ok := floe.TryGet()
	require.True(t, ok)
	assert.Equal(t, 2, second.Payload)
}

func TestFloe_PutReturnsCause(t *testing.T) {
	floe := newFloe("a", "b", 1, nil)
	require.NoError(t, floe.PutNowait(msgFor("t", 1)))

	stop := errors.New("stop")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(stop)

	assert.ErrorIs(t, floe.Put(ctx, msgFor("t", 2)), stop)
}

func TestFloe_GetWaitsForMessage(t *testing.T) {
	floe := newFloe("a", "b", 1, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = floe.PutNowait(msgFor("t", "late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := floe.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", msg.Payload)
}

func TestFloe_DrainKeepsOtherTraces(t *testing.T) {
	floe := newFloe("a", "b", 10, nil)
	for i, trace := range []string{"x", "y", "x", "y", "x"} {
		require.NoError(t, floe.PutNowait(msgFor(trace, i)))
	}

	var finalized []any
	dropped := floe.Drain("x", func(m *message.Message) { finalized = append(finalized, m.Payload) })

	assert.Equal(t, 3, dropped)
	assert.Equal(t, []any{0, 2, 4}, finalized)

	var rest []any
	for {
		msg, ok := floe.TryGet()
		if !ok {
			break
		}
		rest = append(rest, msg.Payload)
	}
	assert.Equal(t, []any{1, 3}, rest)
}

func TestFloe_DrainUnblocksProducer(t *testing.T) {
	floe := newFloe("a", "b", 1, nil)
	require.NoError(t, floe.PutNowait(msgFor("x", 1)))

	done := make(chan error, 1)
	go func() { done <- floe.Put(context.Background(), msgFor("y", 2)) }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, floe.Drain("x", nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after drain")
	}
}

func TestInbox_RoundRobin(t *testing.T) {
	in := newInbox()
	a := newFloe("a", "c", 4, in.signal)
	b := newFloe("b", "c", 4, in.signal)
	in.add(a)
	in.add(b)

	require.NoError(t, a.PutNowait(msgFor("t", "a1")))
	require.NoError(t, a.PutNowait(msgFor("t", "a2")))
	require.NoError(t, b.PutNowait(msgFor("t", "b1")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []any
	for range 3 {
		msg, _, err := in.next(ctx)
		require.NoError(t, err)
		got = append(got, msg.Payload)
	}
	assert.Equal(t, []any{"a1", "b1", "a2"}, got)
}

func TestInbox_WakesOnPut(t *testing.T) {
	in := newInbox()
	floe := newFloe("a", "b", 1, in.signal)
	in.add(floe)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = floe.PutNowait(msgFor("t", "x"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, src, err := in.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Payload)
	assert.Same(t, floe, src)
}
