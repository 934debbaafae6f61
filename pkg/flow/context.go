package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Colony/pkg/message"
)

// Context is the handle a node body uses to talk to its flow. It is only
// valid for the invocation it was passed to: once that attempt has returned,
// timed out or been cancelled, emits and fetches fail with its cause.
type Context struct {
	flow *Flow
	node *nodeRuntime
	msg  *message.Message
	done <-chan struct{}
	inv  context.Context
}

// attach returns a copy of c bound to one attempt.
func (c *Context) attach(inv context.Context) *Context {
	if c == nil {
		return nil
	}
	bound := *c
	bound.inv = inv
	return &bound
}

// usable reports why the handle can no longer reach the flow.
func (c *Context) usable() error {
	if c.flow == nil || c.node == nil {
		return ErrDetached
	}
	if c.inv != nil && c.inv.Err() != nil {
		return context.Cause(c.inv)
	}
	return nil
}

// Node returns the node being invoked
func (c *Context) Node() *Node {
	if c.node == nil {
		return nil
	}
	return c.node.node
}

// Message returns the message being processed
func (c *Context) Message() *message.Message {
	return c.msg
}

// Logger returns the flow logger annotated with node and trace
func (c *Context) Logger() *zap.Logger {
	if c.flow == nil {
		return zap.NewNop()
	}
	fields := []zap.Field{}
	if c.node != nil {
		fields = append(fields, zap.String("node", c.node.node.Name))
	}
	if c.msg != nil {
		fields = append(fields, zap.String("trace_id", c.msg.TraceID))
	}
	return c.flow.logger.With(fields...)
}

// Cancelled reports whether the trace of the current message was cancelled
func (c *Context) Cancelled() bool {
	return isClosed(c.done)
}

// Emit sends payload to the named successors, or to all of them when to is
// empty, waiting for space. A *message.Message is sent as is; anything else
// is wrapped in an envelope derived from the current message.
func (c *Context) Emit(ctx context.Context, payload any, to ...string) error {
	return c.emit(ctx, payload, to, true)
}

// EmitNowait is Emit without waiting; a full floe fails with ErrFloeFull.
func (c *Context) EmitNowait(payload any, to ...string) error {
	return c.emit(context.Background(), payload, to, false)
}

func (c *Context) emit(ctx context.Context, payload any, to []string, wait bool) error {
	if err := c.usable(); err != nil {
		return err
	}
	targets, err := c.flow.resolveTargets(c.node, to)
	if err != nil {
		return err
	}
	return c.flow.sendAll(ctx, c.node, c.envelope(payload), targets, wait)
}

func (c *Context) envelope(payload any) *message.Message {
	if c.msg == nil {
		if m, ok := payload.(*message.Message); ok {
			m.EnsureTraceID()
			return m
		}
		m := message.New(payload, message.Headers{})
		return m
	}
	return toMessage(c.msg, payload)
}

// EmitChunk sends one piece of a streamed response derived from parent.
// Sequence numbers start at 0 and increase per stream; the stream is keyed
// by parent's "stream_id" meta entry, or its trace id. The chunk with done
// set closes the stream.
func (c *Context) EmitChunk(ctx context.Context, parent *message.Message, data any, done bool, to ...string) (*message.StreamChunk, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if parent == nil {
		parent = c.msg
	}
	if parent == nil {
		return nil, fmt.Errorf("emit chunk: no parent message")
	}

	streamID := parent.TraceID
	if id, ok := parent.Meta["stream_id"].(string); ok && id != "" {
		streamID = id
	}

	chunk := &message.StreamChunk{
		StreamID: streamID,
		Seq:      c.flow.nextSeq(parent.TraceID, streamID, done),
		Data:     data,
		Done:     done,
		Meta:     parent.CloneMeta(),
	}

	targets, err := c.flow.resolveTargets(c.node, to)
	if err != nil {
		return nil, err
	}
	if err := c.flow.sendAll(ctx, c.node, parent.Derive(chunk), targets, true); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (f *Flow) nextSeq(traceID, streamID string, done bool) int {
	f.streamMu.Lock()
	defer f.streamMu.Unlock()
	seq := f.streams[streamID].next
	if done {
		delete(f.streams, streamID)
	} else {
		f.streams[streamID] = streamSeq{traceID: traceID, next: seq + 1}
	}
	return seq
}

// dropStreams forgets the open streams of a trace that is gone, so streams
// that never sent their final chunk do not pile up.
func (f *Flow) dropStreams(traceID string) {
	f.streamMu.Lock()
	defer f.streamMu.Unlock()
	for id, s := range f.streams {
		if s.traceID == traceID {
			delete(f.streams, id)
		}
	}
}

// Fetch pops the next message sent to this node by the named predecessor
// (OpenSea for entry nodes), waiting until one arrives.
func (c *Context) Fetch(ctx context.Context, from string) (*message.Message, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	floe, ok := c.node.inbound[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnknownSource, from, c.node.node.Name)
	}
	for {
		msg, err := floe.Get(ctx)
		if err != nil {
			return nil, err
		}
		if c.accept(msg) {
			return msg, nil
		}
	}
}

// FetchAny pops the next message from any inbound floe.
func (c *Context) FetchAny(ctx context.Context) (*message.Message, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	for {
		msg, _, err := c.node.in.next(ctx)
		if err != nil {
			return nil, err
		}
		if c.accept(msg) {
			return msg, nil
		}
	}
}

// accept settles the bookkeeping of a manually fetched message and reports
// whether it belongs to a live trace.
func (c *Context) accept(msg *message.Message) bool {
	cancelled := c.flow.traces.isCancelled(msg.TraceID)
	c.flow.traces.releaseID(msg.TraceID)
	return !cancelled
}

// CallPlaybook runs a nested flow for parent; see CallPlaybook. Cancelling
// the current trace cancels the nested one.
func (c *Context) CallPlaybook(ctx context.Context, factory PlaybookFactory, parent *message.Message, opts ...PlaybookOption) (any, error) {
	if parent == nil {
		parent = c.msg
	}
	cancelled := c.done
	if c.flow != nil && parent != nil && parent != c.msg {
		cancelled = c.flow.traces.doneChan(parent.TraceID)
	}
	return callPlaybook(ctx, factory, parent, cancelled, opts)
}
