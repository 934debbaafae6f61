package statestore

import (
	"context"
	"sync"

	"github.com/wehubfusion/Colony/pkg/flow"
)

// MemoryStore keeps events and bindings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]flow.StoredEvent
	bindings map[string][]flow.RemoteBinding
}

var _ flow.StateStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string][]flow.StoredEvent),
		bindings: make(map[string][]flow.RemoteBinding),
	}
}

func (s *MemoryStore) SaveEvent(_ context.Context, ev flow.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.TraceID] = append(s.events[ev.TraceID], ev)
	return nil
}

func (s *MemoryStore) LoadHistory(_ context.Context, traceID string) ([]flow.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]flow.StoredEvent(nil), s.events[traceID]...), nil
}

func (s *MemoryStore) SaveBinding(_ context.Context, b flow.RemoteBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.TraceID] = append(s.bindings[b.TraceID], b)
	return nil
}

// Bindings returns the remote bindings recorded for a trace.
func (s *MemoryStore) Bindings(_ context.Context, traceID string) ([]flow.RemoteBinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]flow.RemoteBinding(nil), s.bindings[traceID]...), nil
}
