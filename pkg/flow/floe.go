package flow

import (
	"context"
	"sync"

	"github.com/wehubfusion/Colony/pkg/message"
)

// Names of the virtual endpoints of a flow.
const (
	OpenSea = "OpenSea"
	Rookery = "Rookery"
)

// Floe is a bounded FIFO between one source and one target.
type Floe struct {
	source   string
	target   string
	capacity int

	mu      sync.Mutex
	items   []*message.Message
	changed chan struct{}
	onPut   func()
}

func newFloe(source, target string, capacity int, onPut func()) *Floe {
	return &Floe{
		source:   source,
		target:   target,
		capacity: capacity,
		changed:  make(chan struct{}),
		onPut:    onPut,
	}
}

// Source returns the producing endpoint name
func (f *Floe) Source() string { return f.source }

// Target returns the consuming endpoint name
func (f *Floe) Target() string { return f.target }

// Capacity returns the maximum number of queued messages
func (f *Floe) Capacity() int { return f.capacity }

// Len returns the number of queued messages
func (f *Floe) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Put appends msg, waiting while the floe is full. A done ctx fails even
// when there is room.
func (f *Floe) Put(ctx context.Context, msg *message.Message) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		f.mu.Lock()
		if len(f.items) < f.capacity {
			f.items = append(f.items, msg)
			f.notifyLocked()
			f.mu.Unlock()
			f.wakeConsumer()
			return nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// PutNowait appends msg or fails with ErrFloeFull.
func (f *Floe) PutNowait(msg *message.Message) error {
	f.mu.Lock()
	if len(f.items) >= f.capacity {
		f.mu.Unlock()
		return ErrFloeFull
	}
	f.items = append(f.items, msg)
	f.notifyLocked()
	f.mu.Unlock()
	f.wakeConsumer()
	return nil
}

// TryGet pops the oldest message if there is one.
func (f *Floe) TryGet() (*message.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return nil, false
	}
	msg := f.items[0]
	f.items[0] = nil
	f.items = f.items[1:]
	f.notifyLocked()
	return msg, true
}

// Get pops the oldest message, waiting while the floe is empty.
func (f *Floe) Get(ctx context.Context) (*message.Message, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			msg := f.items[0]
			f.items[0] = nil
			f.items = f.items[1:]
			f.notifyLocked()
			f.mu.Unlock()
			return msg, nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// Drain removes every queued message of the trace, keeping the order of the
// rest, and calls finalize for each removed message.
func (f *Floe) Drain(traceID string, finalize func(*message.Message)) int {
	f.mu.Lock()
	var dropped []*message.Message
	kept := f.items[:0]
	for _, msg := range f.items {
		if msg.TraceID == traceID {
			dropped = append(dropped, msg)
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(f.items); i++ {
		f.items[i] = nil
	}
	f.items = kept
	if len(dropped) > 0 {
		f.notifyLocked()
	}
	f.mu.Unlock()

	if finalize != nil {
		for _, msg := range dropped {
			finalize(msg)
		}
	}
	return len(dropped)
}

func (f *Floe) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Floe) wakeConsumer() {
	if f.onPut != nil {
		f.onPut()
	}
}

// inbox is the wake-up signal shared by every floe a consumer reads from.
type inbox struct {
	floes  []*Floe
	wake   chan struct{}
	cursor int
	mu     sync.Mutex
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (in *inbox) signal() {
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *inbox) add(f *Floe) {
	in.floes = append(in.floes, f)
}

// next pops from the inbound floes in rotation, waiting until one has a
// message or ctx ends.
func (in *inbox) next(ctx context.Context) (*message.Message, *Floe, error) {
	for {
		if msg, floe, ok := in.poll(); ok {
			return msg, floe, nil
		}
		select {
		case <-in.wake:
		case <-ctx.Done():
			return nil, nil, context.Cause(ctx)
		}
	}
}

func (in *inbox) poll() (*message.Message, *Floe, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := len(in.floes)
	for i := range n {
		floe := in.floes[(in.cursor+i)%n]
		if msg, ok := floe.TryGet(); ok {
			in.cursor = (in.cursor + i + 1) % n
			// Another reader may be parked on the same wake token.
			for _, other := range in.floes {
				if other.Len() > 0 {
					in.signal()
					break
				}
			}
			return msg, floe, true
		}
	}
	return nil, nil, false
}
