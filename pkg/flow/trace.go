package flow

import (
	"context"
	"fmt"
	"sync"
)

// traceState is the runtime bookkeeping of one trace. Every field is
// guarded by traceRegistry.mu.
type traceState struct {
	id        string
	pending   int
	inflight  int
	cancelled bool
	done      chan struct{}
	settled   chan struct{}
	tasks     map[uint64]context.CancelCauseFunc
	hops      int
	tokens    int
	room      chan struct{}
}

// notifyLocked wakes admissions waiting for the pending count to drop.
func (ts *traceState) notifyLocked() {
	close(ts.room)
	ts.room = make(chan struct{})
}

// traceRegistry owns every live trace. A trace is created by the first
// reservation and forgotten once it has nothing pending and nothing running.
type traceRegistry struct {
	mu         sync.Mutex
	traces     map[string]*traceState
	nextTask   uint64
	maxPending int
	// onForget runs with mu held when a trace is torn down.
	onForget func(traceID string)
}

func newTraceRegistry(maxPending int) *traceRegistry {
	return &traceRegistry{traces: make(map[string]*traceState), maxPending: maxPending}
}

func (r *traceRegistry) getLocked(traceID string) *traceState {
	ts, ok := r.traces[traceID]
	if !ok {
		ts = &traceState{
			id:    traceID,
			done:  make(chan struct{}),
			tasks: make(map[uint64]context.CancelCauseFunc),
			room:  make(chan struct{}),
		}
		r.traces[traceID] = ts
	}
	return ts
}

func (r *traceRegistry) forgetLocked(ts *traceState) {
	if ts.pending > 0 || ts.inflight > 0 {
		return
	}
	if cur, ok := r.traces[ts.id]; ok && cur == ts {
		delete(r.traces, ts.id)
		if r.onForget != nil {
			r.onForget(ts.id)
		}
	}
}

// reserve counts a message about to be queued by a node. Deliveries between
// nodes are never refused by the pending cap, so a worker cannot block on
// room that only it can free.
func (r *traceRegistry) reserve(traceID string) (*traceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.getLocked(traceID)
	if ts.cancelled {
		return nil, ErrTraceCancelled
	}
	ts.pending++
	return ts, nil
}

// admit counts a message entering the flow, subject to the pending cap. With
// wait set it blocks until the trace has room or ctx ends.
func (r *traceRegistry) admit(ctx context.Context, traceID string, wait bool) (*traceState, error) {
	for {
		r.mu.Lock()
		ts := r.getLocked(traceID)
		if ts.cancelled {
			r.mu.Unlock()
			return nil, ErrTraceCancelled
		}
		if r.maxPending <= 0 || ts.pending < r.maxPending {
			ts.pending++
			r.mu.Unlock()
			return ts, nil
		}
		room := ts.room
		r.mu.Unlock()

		if !wait {
			return nil, fmt.Errorf("%w: trace %s", ErrTraceCapacity, traceID)
		}
		select {
		case <-room:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// release uncounts a message that left a floe without being invoked, or
// never made it into one.
func (r *traceRegistry) release(ts *traceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts.pending--
	ts.notifyLocked()
	r.forgetLocked(ts)
}

// releaseID is release for a message popped from a floe.
func (r *traceRegistry) releaseID(traceID string) bool {
	r.mu.Lock()
	ts, ok := r.traces[traceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.release(ts)
	return true
}

// claim turns a popped message into an in-flight invocation. It reports
// false when the trace was cancelled, in which case the invocation must not
// run but finish must still be called.
func (r *traceRegistry) claim(traceID string, cancel context.CancelCauseFunc) (*traceState, uint64, bool) {
	r.mu.Lock()
	ts := r.getLocked(traceID)
	ts.pending--
	ts.inflight++
	ts.notifyLocked()
	r.nextTask++
	id := r.nextTask
	cancelled := ts.cancelled
	if !cancelled {
		ts.tasks[id] = cancel
	}
	r.mu.Unlock()
	return ts, id, !cancelled
}

// finish ends an invocation started by claim.
func (r *traceRegistry) finish(ts *traceState, task uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(ts.tasks, task)
	ts.inflight--
	if ts.inflight == 0 && ts.settled != nil {
		close(ts.settled)
		ts.settled = nil
	}
	r.forgetLocked(ts)
}

// cancel flags the trace. It returns the cancel funcs of running
// invocations and a channel closed once none are left running.
func (r *traceRegistry) cancel(traceID string) (*traceState, []context.CancelCauseFunc, <-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.traces[traceID]
	if !ok || ts.cancelled {
		return nil, nil, nil, false
	}
	ts.cancelled = true
	close(ts.done)
	ts.notifyLocked()

	tasks := make([]context.CancelCauseFunc, 0, len(ts.tasks))
	for _, c := range ts.tasks {
		tasks = append(tasks, c)
	}

	settled := make(chan struct{})
	if ts.inflight == 0 {
		close(settled)
	} else {
		ts.settled = settled
	}
	return ts, tasks, settled, true
}

// forget drops a cancelled trace once it is idle.
func (r *traceRegistry) forget(ts *traceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(ts)
}

func (r *traceRegistry) isCancelled(traceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.traces[traceID]
	return ok && ts.cancelled
}

// doneChan returns a channel closed when the trace is cancelled.
func (r *traceRegistry) doneChan(traceID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok := r.traces[traceID]; ok {
		return ts.done
	}
	return nil
}

// advanceHops records a controller iteration and returns the new hop count.
func (r *traceRegistry) advanceHops(ts *traceState, incoming, current, tokens int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := max(incoming, current) + 1
	ts.hops = max(ts.hops, next)
	ts.tokens = tokens
	return next
}

// TraceStats is a snapshot of a live trace.
type TraceStats struct {
	Pending   int
	InFlight  int
	Cancelled bool
	Hops      int
	Tokens    int
}

func (r *traceRegistry) stats(traceID string) (TraceStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.traces[traceID]
	if !ok {
		return TraceStats{}, false
	}
	return TraceStats{
		Pending:   ts.pending,
		InFlight:  ts.inflight,
		Cancelled: ts.cancelled,
		Hops:      ts.hops,
		Tokens:    ts.tokens,
	}, true
}
