package flow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/message"
	"github.com/wehubfusion/Colony/pkg/schema"
)

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BackoffBase: 100 * time.Millisecond, BackoffMult: 2, MaxBackoff: time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4), "delay is capped")
	assert.Equal(t, time.Second, p.Backoff(60), "huge exponents stay capped")

	uncapped := Policy{BackoffBase: 10 * time.Millisecond, BackoffMult: 3}
	assert.Equal(t, 90*time.Millisecond, uncapped.Backoff(2))
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	rec := &recorder{}
	r, delays := newTestRunner(rec)

	var calls atomic.Int32
	node := NewNode("flaky", func(ctx context.Context, msg *message.Message, _ *Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, WithPolicy(Policy{MaxRetries: 3, BackoffBase: 100 * time.Millisecond, BackoffMult: 2, MaxBackoff: 150 * time.Millisecond}))

	out, err := r.run(context.Background(), node, msgFor("t", "in"), &Context{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, *delays)

	assert.Equal(t, 3, rec.count(EventNodeStart, "flaky"))
	assert.Equal(t, 2, rec.count(EventNodeError, "flaky"))
	assert.Equal(t, 2, rec.count(EventNodeRetry, "flaky"))
	assert.Equal(t, 1, rec.count(EventNodeSuccess, "flaky"))
	assert.Equal(t, 0, rec.count(EventNodeFailed, "flaky"))
}

func TestRunner_ExhaustedRetriesBuildErrorRecord(t *testing.T) {
	rec := &recorder{}
	r, delays := newTestRunner(rec)
	boom := errors.New("boom")

	node := NewNode("broken", func(context.Context, *message.Message, *Context) (any, error) {
		return nil, boom
	}, WithID("node-1"), WithPolicy(Policy{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffMult: 2}))

	_, err := r.run(context.Background(), node, msgFor("trace-1", "in"), &Context{})

	fe, ok := flowerrors.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "trace-1", fe.TraceID)
	assert.Equal(t, "broken", fe.NodeName)
	assert.Equal(t, "node-1", fe.NodeID)
	assert.Equal(t, flowerrors.CodeNodeException, fe.Code)
	assert.Equal(t, 3, fe.Metadata["attempts"])
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *delays)
	assert.Equal(t, 3, rec.count(EventNodeError, "broken"))
	assert.Equal(t, 1, rec.count(EventNodeFailed, "broken"))
	assert.Equal(t, EventNodeFailed, rec.types()[len(rec.types())-1])
}

func TestRunner_Timeout(t *testing.T) {
	rec := &recorder{}
	r, _ := newTestRunner(rec)

	node := NewNode("slow", func(ctx context.Context, _ *message.Message, _ *Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithPolicy(Policy{Timeout: 20 * time.Millisecond}))

	_, err := r.run(context.Background(), node, msgFor("t", nil), &Context{})

	fe, ok := flowerrors.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, flowerrors.CodeNodeTimeout, fe.Code)
	assert.True(t, flowerrors.IsTimeout(err))
	assert.Equal(t, 1, rec.count(EventNodeTimeout, "slow"))
	assert.Equal(t, 0, rec.count(EventNodeError, "slow"))
}

func TestRunner_TimeoutDoesNotWaitForBody(t *testing.T) {
	r, _ := newTestRunner()
	release := make(chan struct{})
	defer close(release)

	node := NewNode("stuck", func(context.Context, *message.Message, *Context) (any, error) {
		<-release
		return nil, nil
	}, WithPolicy(Policy{Timeout: 20 * time.Millisecond}))

	start := time.Now()
	_, err := r.run(context.Background(), node, msgFor("t", nil), &Context{})
	assert.True(t, flowerrors.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunner_InputValidation(t *testing.T) {
	rec := &recorder{}
	r, _ := newTestRunner(rec)

	var calls atomic.Int32
	node := NewNode("typed", func(context.Context, *message.Message, *Context) (any, error) {
		calls.Add(1)
		return "never", nil
	}, WithInput(schema.Type[int]("count")))

	_, err := r.run(context.Background(), node, msgFor("t", "not a number"), &Context{})

	fe, ok := flowerrors.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, flowerrors.CodeNodeValidation, fe.Code)
	assert.True(t, flowerrors.IsValidation(err))
	assert.Zero(t, calls.Load(), "body must not run on invalid input")
}

func TestRunner_OutputValidation(t *testing.T) {
	r, _ := newTestRunner()

	node := NewNode("typed", func(context.Context, *message.Message, *Context) (any, error) {
		return 42, nil
	}, WithOutput(schema.Type[string]("text")))

	_, err := r.run(context.Background(), node, msgFor("t", nil), &Context{})
	assert.True(t, flowerrors.IsValidation(err))
}

func TestRunner_ValidationModes(t *testing.T) {
	r, _ := newTestRunner()
	policy := DefaultPolicy()
	policy.Validation = ValidateNone

	node := NewNode("loose", func(context.Context, *message.Message, *Context) (any, error) {
		return 42, nil
	}, WithPolicy(policy), WithInput(schema.Type[int]("in")), WithOutput(schema.Type[string]("out")))

	out, err := r.run(context.Background(), node, msgFor("t", "x"), &Context{})
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	policy.Validation = ValidateIn
	inOnly := NewNode("in-only", node.Func, WithPolicy(policy), WithInput(schema.Type[string]("in")), WithOutput(schema.Type[string]("out")))
	out, err = r.run(context.Background(), inOnly, msgFor("t", "x"), &Context{})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestRunner_PanicBecomesError(t *testing.T) {
	r, _ := newTestRunner()
	node := NewNode("panics", func(context.Context, *message.Message, *Context) (any, error) {
		panic("kaboom")
	})

	_, err := r.run(context.Background(), node, msgFor("t", nil), &Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRunner_CancellationIsNotRetried(t *testing.T) {
	rec := &recorder{}
	r, delays := newTestRunner(rec)

	ctx, cancel := context.WithCancelCause(context.Background())
	node := NewNode("cancelled", func(context.Context, *message.Message, *Context) (any, error) {
		cancel(ErrTraceCancelled)
		return nil, errors.New("interrupted")
	}, WithPolicy(Policy{MaxRetries: 5}))

	_, err := r.run(ctx, node, msgFor("t", nil), &Context{})
	assert.ErrorIs(t, err, ErrTraceCancelled)
	_, isRecord := flowerrors.AsFlowError(err)
	assert.False(t, isRecord, "cancellation never produces an error record")
	assert.Empty(t, *delays)
	assert.Equal(t, 0, rec.count(EventNodeFailed, ""))
}

func TestRunner_BodyCancellationErrorIsRetried(t *testing.T) {
	rec := &recorder{}
	r, delays := newTestRunner(rec)

	var calls atomic.Int32
	node := NewNode("caller", func(context.Context, *message.Message, *Context) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("http call: %w", context.Canceled)
	}, WithPolicy(Policy{MaxRetries: 2}))

	_, err := r.run(context.Background(), node, msgFor("t", nil), &Context{})

	fe, ok := flowerrors.AsFlowError(err)
	require.True(t, ok, "a failed call is an error record, not a cancellation")
	assert.Equal(t, flowerrors.CodeNodeException, fe.Code)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *delays, 2)
	assert.Equal(t, 3, rec.count(EventNodeError, "caller"))
	assert.Equal(t, 1, rec.count(EventNodeFailed, "caller"))
}

func TestRunner_RateLimit(t *testing.T) {
	r, _ := newTestRunner()
	node := NewNode("limited", passthrough, WithPolicy(Policy{RateLimit: 1000, RateBurst: 1}))
	require.NotNil(t, node.limiter)

	for i := range 3 {
		out, err := r.run(context.Background(), node, msgFor("t", i), &Context{})
		require.NoError(t, err)
		assert.Equal(t, i, out)
	}
}

func TestInvoke(t *testing.T) {
	rec := &recorder{}
	node := NewNode("double", func(_ context.Context, msg *message.Message, fc *Context) (any, error) {
		assert.ErrorIs(t, fc.Emit(context.Background(), "side"), ErrDetached)
		return msg.Payload.(int) * 2, nil
	})

	out, err := Invoke(context.Background(), node, 21, WithObserver(rec))
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 1, rec.count(EventNodeSuccess, "double"))
}
