package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/message"
)

// runner executes one node invocation with validation, timeout and retries.
type runner struct {
	events *dispatcher
	tracer trace.Tracer
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRunner(events *dispatcher, tracer trace.Tracer, logger *zap.Logger) *runner {
	return &runner{events: events, tracer: tracer, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// run invokes the node until it succeeds or its retries are exhausted. A
// cancelled ctx is returned as its cause and never retried; exhausted
// retries are returned as *errors.FlowError.
func (r *runner) run(ctx context.Context, node *Node, msg *message.Message, fc *Context) (any, error) {
	policy := node.Policy
	base := Event{TraceID: msg.TraceID, NodeName: node.Name, NodeID: node.ID}

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if node.limiter != nil {
			if err := node.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, context.Cause(ctx)
				}
				return nil, fmt.Errorf("rate limit for node %s: %w", node.Name, err)
			}
		}

		ev := base
		ev.Type, ev.Attempt = EventNodeStart, attempt
		r.events.emit(ctx, ev)

		start := time.Now()
		result, err := r.attempt(ctx, node, msg, fc, attempt)
		ev.Latency = time.Since(start)

		if err == nil {
			ev.Type = EventNodeSuccess
			r.events.emit(ctx, ev)
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if !flowerrors.IsRetryable(err) {
			return nil, err
		}

		ev.Err = err
		if flowerrors.IsTimeout(err) {
			ev.Type = EventNodeTimeout
		} else {
			ev.Type = EventNodeError
		}
		r.events.emit(ctx, ev)

		if attempt >= policy.MaxRetries {
			fe := flowerrors.NewFlowError(msg.TraceID, node.Name, node.ID, err, map[string]any{
				"attempts": attempt + 1,
			})
			ev.Type, ev.Err = EventNodeFailed, fe
			r.events.emit(ctx, ev)
			r.logger.Error("Node failed after retries",
				zap.String("node", node.Name),
				zap.String("trace_id", msg.TraceID),
				zap.Int("attempts", attempt+1),
				zap.String("code", fe.Code),
				zap.Error(err))
			return nil, fe
		}

		delay := policy.Backoff(attempt)
		ev.Type = EventNodeRetry
		ev.Fields = map[string]any{"delay": delay.String()}
		r.events.emit(ctx, ev)
		r.logger.Debug("Retrying node",
			zap.String("node", node.Name),
			zap.String("trace_id", msg.TraceID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := r.sleep(ctx, delay); err != nil {
			return nil, context.Cause(ctx)
		}
	}
}

type callResult struct {
	value any
	err   error
}

func (r *runner) attempt(ctx context.Context, node *Node, msg *message.Message, fc *Context, attempt int) (any, error) {
	ctx, span := r.tracer.Start(ctx, "flow.node",
		trace.WithAttributes(
			attribute.String("flow.node.name", node.Name),
			attribute.String("flow.node.id", node.ID),
			attribute.String("flow.trace_id", msg.TraceID),
			attribute.Int("flow.attempt", attempt),
		))
	defer span.End()

	result, err := r.invoke(ctx, node, msg, fc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (r *runner) invoke(ctx context.Context, node *Node, msg *message.Message, fc *Context) (any, error) {
	mode := node.Policy.Validation
	if mode.input() && node.Input != nil {
		if err := node.Input.Validate(msg.Payload); err != nil {
			return nil, fmt.Errorf("input of %s: %w", node.Name, err)
		}
	}

	callCtx := ctx
	if node.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(ctx, node.Policy.Timeout, flowerrors.ErrTimeout)
		defer cancel()
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- callResult{err: fmt.Errorf("node %s panicked: %v", node.Name, p)}
			}
		}()
		value, err := node.Func(callCtx, msg, fc.attach(callCtx))
		done <- callResult{value: value, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("node %s after %s: %w", node.Name, node.Policy.Timeout, flowerrors.ErrTimeout)
	}

	if res.err != nil {
		if errors.Is(context.Cause(callCtx), flowerrors.ErrTimeout) && !flowerrors.IsTimeout(res.err) {
			return nil, fmt.Errorf("node %s after %s: %w", node.Name, node.Policy.Timeout, errors.Join(flowerrors.ErrTimeout, res.err))
		}
		return nil, res.err
	}

	if mode.output() && node.Output != nil && res.value != nil {
		payload := res.value
		if m, ok := payload.(*message.Message); ok {
			payload = m.Payload
		}
		if err := node.Output.Validate(payload); err != nil {
			return nil, fmt.Errorf("output of %s: %w", node.Name, err)
		}
	}
	return res.value, nil
}
