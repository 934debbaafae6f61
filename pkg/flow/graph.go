package flow

import (
	"fmt"
	"slices"
)

// Adjacency lists the successors of one node.
type Adjacency struct {
	From *Node
	To   []*Node
}

// graph is the validated topology of a flow.
type graph struct {
	nodes []*Node
	succ  map[string][]string
	pred  map[string][]string
}

func buildGraph(adjacency []Adjacency) (*graph, error) {
	g := &graph{
		succ: make(map[string][]string),
		pred: make(map[string][]string),
	}
	byName := make(map[string]*Node)

	add := func(n *Node) error {
		if n == nil {
			return fmt.Errorf("nil node in adjacency")
		}
		if existing, ok := byName[n.Name]; ok {
			if existing != n {
				return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
			}
			return nil
		}
		if n.Name == OpenSea || n.Name == Rookery {
			return fmt.Errorf("node name %q is reserved", n.Name)
		}
		byName[n.Name] = n
		g.nodes = append(g.nodes, n)
		return nil
	}

	for _, adj := range adjacency {
		if err := add(adj.From); err != nil {
			return nil, err
		}
		for _, to := range adj.To {
			if err := add(to); err != nil {
				return nil, err
			}
			if slices.Contains(g.succ[adj.From.Name], to.Name) {
				continue
			}
			g.succ[adj.From.Name] = append(g.succ[adj.From.Name], to.Name)
			g.pred[to.Name] = append(g.pred[to.Name], adj.From.Name)
		}
	}
	return g, nil
}

func (g *graph) hasSelfLoop(name string) bool {
	return slices.Contains(g.succ[name], name)
}

// successors returns the successors of name other than itself.
func (g *graph) successors(name string) []string {
	out := make([]string, 0, len(g.succ[name]))
	for _, s := range g.succ[name] {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}

// predecessors returns the predecessors of name other than itself.
func (g *graph) predecessors(name string) []string {
	out := make([]string, 0, len(g.pred[name]))
	for _, p := range g.pred[name] {
		if p != name {
			out = append(out, p)
		}
	}
	return out
}

// checkCycles runs Kahn's algorithm over every edge except the self-loops of
// nodes whose policy allows them.
func (g *graph) checkCycles() error {
	indegree := make(map[string]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.Name] += 0
		for _, s := range g.succ[n.Name] {
			if s == n.Name && n.Policy.AllowCycle {
				continue
			}
			indegree[s]++
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		if indegree[n.Name] == 0 {
			queue = append(queue, n.Name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, s := range g.succ[name] {
			if s == name {
				continue
			}
			indegree[s]--
			if indegree[s] == 0 {
				queue = append(queue, s)
			}
		}
	}

	if visited == len(g.nodes) {
		return nil
	}
	var stuck []string
	for _, n := range g.nodes {
		if indegree[n.Name] > 0 {
			stuck = append(stuck, n.Name)
		}
	}
	return &CycleError{Nodes: stuck}
}
