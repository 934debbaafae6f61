// Package flow is an in-process dataflow runtime. Nodes are connected by
// bounded floes; messages enter at OpenSea and leave at the Rookery. Each
// node runs in its own worker goroutine, and every message belongs to a
// trace that can be cancelled on its own.
package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Colony/pkg/message"
)

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateRunning
	stateStopped
)

// nodeRuntime is the wiring of one node inside a flow.
type nodeRuntime struct {
	node       *Node
	in         *inbox
	inbound    map[string]*Floe
	outbound   map[string]*Floe
	successors []string
	self       *Floe
	egress     *Floe
	controller bool
}

// Flow is a running graph of nodes.
type Flow struct {
	opts     Options
	logger   *zap.Logger
	graph    *graph
	nodes    map[string]*nodeRuntime
	order    []*nodeRuntime
	ingress  []*Floe
	egress   *inbox
	errFloe  *Floe
	floes    []*Floe
	traces   *traceRegistry
	events   *dispatcher
	runner   *runner
	registry *Registry
	tracer   trace.Tracer

	surfaceErrors atomic.Bool

	mu        sync.Mutex
	state     lifecycle
	runCtx    context.Context
	cancelRun context.CancelCauseFunc
	group     *errgroup.Group
	stopped   chan struct{}
	active    atomic.Int64

	streamMu sync.Mutex
	streams  map[string]streamSeq
}

// streamSeq is the next chunk number of a stream and the trace it belongs to.
type streamSeq struct {
	traceID string
	next    int
}

// New validates the topology and wires floes between nodes. Nodes with no
// predecessor other than themselves are fed from OpenSea; nodes with no
// successor other than themselves feed the Rookery.
func New(adjacency []Adjacency, opts ...Option) (*Flow, error) {
	o := buildOptions(opts)

	g, err := buildGraph(adjacency)
	if err != nil {
		return nil, err
	}
	if len(g.nodes) == 0 {
		return nil, ErrNoEntryNode
	}
	if !o.AllowCycles {
		if err := g.checkCycles(); err != nil {
			return nil, err
		}
	}

	tracer := o.TracerProvider.Tracer("colony/flow")
	events := &dispatcher{observers: o.Observers, store: o.StateStore, logger: o.Logger}

	f := &Flow{
		opts:     o,
		logger:   o.Logger,
		graph:    g,
		nodes:    make(map[string]*nodeRuntime, len(g.nodes)),
		egress:   newInbox(),
		traces:   newTraceRegistry(o.MaxPendingPerTrace),
		events:   events,
		runner:   newRunner(events, tracer, o.Logger),
		registry: NewRegistry(),
		tracer:   tracer,
		stopped:  make(chan struct{}),
		streams:  make(map[string]streamSeq),
	}
	f.traces.onForget = f.dropStreams

	for _, n := range g.nodes {
		if err := f.registry.Register(n); err != nil {
			return nil, err
		}
		nr := &nodeRuntime{
			node:       n,
			in:         newInbox(),
			inbound:    make(map[string]*Floe),
			outbound:   make(map[string]*Floe),
			successors: g.successors(n.Name),
			controller: g.hasSelfLoop(n.Name),
		}
		f.nodes[n.Name] = nr
		f.order = append(f.order, nr)
	}

	for _, nr := range f.order {
		for _, succ := range f.graph.succ[nr.node.Name] {
			target := f.nodes[succ]
			floe := f.newFloe(nr.node.Name, succ, target.in)
			nr.outbound[succ] = floe
			target.inbound[nr.node.Name] = floe
			target.in.add(floe)
			if succ == nr.node.Name {
				nr.self = floe
			}
		}
	}

	for _, nr := range f.order {
		if len(g.predecessors(nr.node.Name)) == 0 {
			floe := f.newFloe(OpenSea, nr.node.Name, nr.in)
			nr.inbound[OpenSea] = floe
			nr.in.add(floe)
			f.ingress = append(f.ingress, floe)
		}
		if len(nr.successors) == 0 {
			nr.egress = f.newFloe(nr.node.Name, Rookery, f.egress)
			f.egress.add(nr.egress)
		}
	}
	if len(f.ingress) == 0 {
		return nil, ErrNoEntryNode
	}
	f.errFloe = f.newFloe("errors", Rookery, f.egress)
	f.egress.add(f.errFloe)

	return f, nil
}

func (f *Flow) newFloe(source, target string, consumer *inbox) *Floe {
	floe := newFloe(source, target, f.opts.QueueMaxSize, consumer.signal)
	f.floes = append(f.floes, floe)
	return floe
}

// Start launches one worker per node. Cancelling ctx stops the flow.
func (f *Flow) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateRunning:
		return ErrFlowAlreadyStarted
	case stateStopped:
		return ErrFlowStopped
	}

	f.runCtx, f.cancelRun = context.WithCancelCause(ctx)
	f.group = &errgroup.Group{}
	for _, nr := range f.order {
		f.active.Add(1)
		f.group.Go(func() error {
			defer f.active.Add(-1)
			f.work(f.runCtx, nr)
			return nil
		})
	}
	f.state = stateRunning

	f.logger.Info("Flow started",
		zap.Int("nodes", len(f.order)),
		zap.Int("queue_max_size", f.opts.QueueMaxSize),
		zap.Int("max_pending_per_trace", f.opts.MaxPendingPerTrace))
	return nil
}

// Stop cancels every worker and waits for them to exit or for ctx to end.
// Queued messages are discarded.
func (f *Flow) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.state != stateRunning {
		f.state = stateStopped
		f.mu.Unlock()
		return nil
	}
	f.state = stateStopped
	f.cancelRun(ErrFlowStopped)
	group := f.group
	close(f.stopped)
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("Flow stopped")
		return nil
	case <-ctx.Done():
		f.logger.Warn("Flow stop timed out", zap.Int64("active_workers", f.active.Load()))
		return fmt.Errorf("stop flow: %w", ctx.Err())
	}
}

// ActiveWorkers returns the number of worker goroutines still running.
func (f *Flow) ActiveWorkers() int {
	return int(f.active.Load())
}

// Registry returns the catalog of the flow's nodes.
func (f *Flow) Registry() *Registry {
	return f.registry
}

// TraceStats returns bookkeeping for a live trace.
func (f *Flow) TraceStats(traceID string) (TraceStats, bool) {
	return f.traces.stats(traceID)
}

func (f *Flow) running() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateCreated:
		return ErrFlowNotStarted
	case stateStopped:
		return ErrFlowStopped
	}
	return nil
}

// bound returns ctx cancelled also when the flow stops.
func (f *Flow) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(f.runCtx, func() { cancel(ErrFlowStopped) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// Emit puts msg on every ingress floe, waiting for space.
func (f *Flow) Emit(ctx context.Context, msg *message.Message) error {
	if err := f.running(); err != nil {
		return err
	}
	ctx, cancel := f.bound(ctx)
	defer cancel()

	msg.EnsureTraceID()
	for i, floe := range f.ingress {
		out := msg
		if i > 0 {
			out = msg.Derive(msg.Payload)
		}
		if err := f.admit(ctx, floe, out, true); err != nil {
			return err
		}
	}
	return nil
}

// EmitNowait is Emit without waiting; a full floe fails with ErrFloeFull.
func (f *Flow) EmitNowait(msg *message.Message) error {
	if err := f.running(); err != nil {
		return err
	}
	msg.EnsureTraceID()
	for i, floe := range f.ingress {
		out := msg
		if i > 0 {
			out = msg.Derive(msg.Payload)
		}
		if err := f.admit(f.runCtx, floe, out, false); err != nil {
			return err
		}
	}
	return nil
}

// Fetch returns the next message to reach the Rookery.
func (f *Flow) Fetch(ctx context.Context) (*message.Message, error) {
	if err := f.running(); err != nil {
		return nil, err
	}
	ctx, cancel := f.bound(ctx)
	defer cancel()

	for {
		msg, _, err := f.egress.next(ctx)
		if err != nil {
			return nil, err
		}
		cancelled := f.traces.isCancelled(msg.TraceID)
		f.traces.releaseID(msg.TraceID)
		if cancelled {
			continue
		}
		return msg, nil
	}
}

// Cancel stops all work of one trace: queued messages are dropped, running
// invocations are cancelled and awaited (bounded by ctx). It returns false
// when the trace is unknown or already cancelled. Once the cancelled trace is
// idle it is torn down: a later Cancel of the id returns false, and a later
// Emit with the same id starts a new, live trace.
func (f *Flow) Cancel(ctx context.Context, traceID string) bool {
	ts, tasks, settled, ok := f.traces.cancel(traceID)
	if !ok {
		return false
	}
	f.events.emit(ctx, Event{Type: EventTraceCancelStart, TraceID: traceID,
		Fields: map[string]any{"inflight": len(tasks)}})

	dropped := f.drain(ctx, traceID)
	for _, cancel := range tasks {
		cancel(ErrTraceCancelled)
	}

	select {
	case <-settled:
	case <-ctx.Done():
		f.logger.Warn("Trace cancel did not settle",
			zap.String("trace_id", traceID),
			zap.Error(ctx.Err()))
	}
	dropped += f.drain(ctx, traceID)
	f.traces.forget(ts)

	f.events.emit(ctx, Event{Type: EventTraceCancelFinish, TraceID: traceID,
		Fields: map[string]any{"dropped": dropped}})
	f.logger.Info("Trace cancelled",
		zap.String("trace_id", traceID),
		zap.Int("dropped", dropped))
	return true
}

func (f *Flow) drain(ctx context.Context, traceID string) int {
	total := 0
	for _, floe := range f.floes {
		total += floe.Drain(traceID, func(msg *message.Message) {
			f.traces.releaseID(msg.TraceID)
			f.events.emit(ctx, Event{Type: EventTraceCancelDrop, TraceID: traceID,
				Fields: map[string]any{"source": floe.Source(), "target": floe.Target()}})
		})
	}
	return total
}

// LoadHistory returns the stored events of a trace.
func (f *Flow) LoadHistory(ctx context.Context, traceID string) ([]StoredEvent, error) {
	if f.opts.StateStore == nil {
		return nil, ErrNoStateStore
	}
	return f.opts.StateStore.LoadHistory(ctx, traceID)
}

// BindRemote records that a trace is being served by an external task.
func (f *Flow) BindRemote(ctx context.Context, b RemoteBinding) error {
	if f.opts.StateStore == nil {
		return ErrNoStateStore
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	return f.opts.StateStore.SaveBinding(ctx, b)
}

// enqueue puts msg on floe on behalf of a node.
func (f *Flow) enqueue(ctx context.Context, floe *Floe, msg *message.Message, wait bool) error {
	ts, err := f.traces.reserve(msg.TraceID)
	if err != nil {
		return err
	}
	return f.put(ctx, ts, floe, msg, wait)
}

// admit is enqueue for messages entering at OpenSea. It is the only path
// subject to the per-trace pending cap.
func (f *Flow) admit(ctx context.Context, floe *Floe, msg *message.Message, wait bool) error {
	ts, err := f.traces.admit(ctx, msg.TraceID, wait)
	if err != nil {
		return err
	}
	return f.put(ctx, ts, floe, msg, wait)
}

func (f *Flow) put(ctx context.Context, ts *traceState, floe *Floe, msg *message.Message, wait bool) error {
	var err error
	if wait {
		err = floe.Put(ctx, msg)
	} else {
		err = floe.PutNowait(msg)
	}
	if err != nil {
		f.traces.release(ts)
		return err
	}
	f.publish(ctx, floe, msg)
	return nil
}

func (f *Flow) publish(ctx context.Context, floe *Floe, msg *message.Message) {
	if f.opts.Bus == nil {
		return
	}
	env := BusEnvelope{
		Edge:      floe.Source() + "->" + floe.Target(),
		Source:    floe.Source(),
		Target:    floe.Target(),
		TraceID:   msg.TraceID,
		Headers:   msg.Headers,
		Payload:   msg.Payload,
		Meta:      msg.Meta,
		EmittedAt: time.Now(),
	}
	if err := f.opts.Bus.Publish(context.WithoutCancel(ctx), env); err != nil {
		f.logger.Warn("Message bus publish failed",
			zap.String("edge", env.Edge),
			zap.String("trace_id", msg.TraceID),
			zap.Error(err))
	}
}
