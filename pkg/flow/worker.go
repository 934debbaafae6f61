package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	flowerrors "github.com/wehubfusion/Colony/pkg/errors"
	"github.com/wehubfusion/Colony/pkg/message"
)

// work is the loop of one node's worker goroutine.
func (f *Flow) work(ctx context.Context, nr *nodeRuntime) {
	f.logger.Debug("Worker started", zap.String("node", nr.node.Name))
	for {
		msg, _, err := nr.in.next(ctx)
		if err != nil {
			f.logger.Debug("Worker stopping",
				zap.String("node", nr.node.Name),
				zap.NamedError("cause", err))
			return
		}
		f.handle(ctx, nr, msg)
	}
}

// handle runs one message through a node and routes the result.
func (f *Flow) handle(ctx context.Context, nr *nodeRuntime, msg *message.Message) {
	invCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ts, task, ok := f.traces.claim(msg.TraceID, cancel)
	defer f.traces.finish(ts, task)

	node := nr.node
	if !ok {
		f.events.emit(invCtx, Event{Type: EventNodeTraceCancelled, TraceID: msg.TraceID, NodeName: node.Name, NodeID: node.ID})
		return
	}

	if msg.Expired(time.Now()) {
		f.events.emit(invCtx, Event{Type: EventDeadlineSkip, TraceID: msg.TraceID, NodeName: node.Name, NodeID: node.ID})
		if ws, isState := workingState(msg.Payload); nr.controller && isState {
			f.deliver(invCtx, nr, msg.Derive(f.exhausted(node, msg, ws, message.ReasonDeadline)))
		}
		return
	}

	fc := &Context{flow: f, node: nr, msg: msg, done: ts.done}
	result, err := f.runner.run(invCtx, node, msg, fc)
	if err != nil {
		f.fail(ctx, invCtx, nr, msg, err)
		return
	}
	if result == nil {
		return
	}

	out := toMessage(msg, result)
	if nr.controller {
		if ws, isState := workingState(out.Payload); isState {
			out = f.enforceBudget(nr, msg, out, ws, ts)
		}
	}
	f.deliver(invCtx, nr, out)
}

func (f *Flow) fail(ctx, invCtx context.Context, nr *nodeRuntime, msg *message.Message, err error) {
	fe, ok := flowerrors.AsFlowError(err)
	if !ok {
		cause := context.Cause(invCtx)
		if errors.Is(cause, ErrTraceCancelled) || errors.Is(err, ErrTraceCancelled) {
			f.events.emit(invCtx, Event{Type: EventNodeTraceCancelled, TraceID: msg.TraceID, NodeName: nr.node.Name, NodeID: nr.node.ID})
			return
		}
		if errors.Is(cause, ErrFlowStopped) || ctx.Err() != nil {
			return
		}
		// Failures outside an attempt, such as the rate limiter refusing.
		fe = flowerrors.NewFlowError(msg.TraceID, nr.node.Name, nr.node.ID, err, nil)
		f.events.emit(invCtx, Event{Type: EventNodeFailed, TraceID: msg.TraceID, NodeName: nr.node.Name, NodeID: nr.node.ID, Err: fe})
		f.logger.Error("Node failed",
			zap.String("node", nr.node.Name),
			zap.String("trace_id", msg.TraceID),
			zap.String("code", fe.Code),
			zap.Error(err))
	}

	if !f.opts.EmitErrors && !f.surfaceErrors.Load() {
		return
	}
	if err := f.enqueue(ctx, f.errFloe, msg.Derive(fe), true); err != nil {
		f.logger.Warn("Failed to route error record",
			zap.String("node", nr.node.Name),
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
	}
}

// deliver routes a node's result. Controllers loop working state back to
// themselves; everything else goes to the successors, or to the Rookery for
// terminal nodes.
func (f *Flow) deliver(ctx context.Context, nr *nodeRuntime, out *message.Message) {
	var targets []*Floe
	if _, isState := workingState(out.Payload); isState && nr.self != nil {
		targets = []*Floe{nr.self}
	} else {
		targets = f.defaultTargets(nr)
	}
	if err := f.sendAll(ctx, nr, out, targets, true); err != nil && ctx.Err() == nil {
		f.logger.Warn("Failed to route node output",
			zap.String("node", nr.node.Name),
			zap.String("trace_id", out.TraceID),
			zap.Error(err))
	}
}

func (f *Flow) defaultTargets(nr *nodeRuntime) []*Floe {
	if len(nr.successors) == 0 {
		return []*Floe{nr.egress}
	}
	targets := make([]*Floe, 0, len(nr.successors))
	for _, s := range nr.successors {
		targets = append(targets, nr.outbound[s])
	}
	return targets
}

// resolveTargets maps explicit target names onto floes.
func (f *Flow) resolveTargets(nr *nodeRuntime, to []string) ([]*Floe, error) {
	if len(to) == 0 {
		return f.defaultTargets(nr), nil
	}
	targets := make([]*Floe, 0, len(to))
	for _, name := range to {
		if name == Rookery && nr.egress != nil {
			targets = append(targets, nr.egress)
			continue
		}
		floe, ok := nr.outbound[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownTarget, nr.node.Name, name)
		}
		targets = append(targets, floe)
	}
	return targets, nil
}

// sendAll puts out on every target; each target beyond the first gets its
// own copy of the envelope.
func (f *Flow) sendAll(ctx context.Context, nr *nodeRuntime, out *message.Message, targets []*Floe, wait bool) error {
	for i, floe := range targets {
		msg := out
		if i > 0 {
			msg = out.Derive(out.Payload)
		}
		if err := f.enqueue(ctx, floe, msg, wait); err != nil {
			return fmt.Errorf("emit %s -> %s: %w", nr.node.Name, floe.Target(), err)
		}
	}
	return nil
}

// toMessage wraps a node result into an envelope of the incoming trace.
func toMessage(in *message.Message, result any) *message.Message {
	if m, ok := result.(*message.Message); ok {
		if m.TraceID == "" {
			m.TraceID = in.TraceID
		}
		return m
	}
	return in.Derive(result)
}

func workingState(payload any) (*message.WorkingState, bool) {
	switch ws := payload.(type) {
	case *message.WorkingState:
		return ws, ws != nil
	case message.WorkingState:
		return &ws, true
	}
	return nil, false
}
