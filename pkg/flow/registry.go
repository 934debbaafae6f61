package flow

import (
	"fmt"
	"sync"
)

// Registry is the catalog of nodes a planner can choose from.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Register adds nodes. Registering the same node twice is a no-op; a
// different node under a taken name is an error.
func (r *Registry) Register(nodes ...*Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		if existing, ok := r.nodes[n.Name]; ok {
			if existing == n {
				continue
			}
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
		}
		r.nodes[n.Name] = n
		r.order = append(r.order, n.Name)
	}
	return nil
}

// Lookup returns the node registered under name
func (r *Registry) Lookup(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Names returns node names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Specs describes every registered node in registration order
func (r *Registry) Specs() []NodeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]NodeSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.nodes[name].Spec())
	}
	return specs
}
