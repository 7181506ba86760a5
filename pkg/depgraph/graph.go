// Package depgraph validates dependency-linked work items and tracks which are ready to run.
package depgraph

import (
	"fmt"
	"strings"
	"sync"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	default:
		return false
	}
}

type Node struct {
	ID        string
	DependsOn []string
}

// Graph keeps declaration order so ready sets come back in priority order.
type Graph struct {
	mu         sync.Mutex
	order      []string
	deps       map[string][]string
	dependents map[string][]string
	state      map[string]State
}

// New validates nodes: ids must be unique and non-empty, dependencies must exist,
// and there must be no cycle.
func New(nodes []Node) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
		state:      make(map[string]State, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("task id cannot be empty")
		}
		if _, exists := g.deps[n.ID]; exists {
			return nil, fmt.Errorf("duplicate task id %q", n.ID)
		}
		g.order = append(g.order, n.ID)
		g.deps[n.ID] = append([]string(nil), n.DependsOn...)
		g.state[n.ID] = StatePending
	}
	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			if _, exists := g.deps[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
			if dep == id {
				return nil, fmt.Errorf("task %q depends on itself", id)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
	}
	return g, nil
}

func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		marks[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			switch marks[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = done
		return false
	}

	for _, id := range g.order {
		if marks[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// DependenciesOf returns the direct dependencies of id.
func (g *Graph) DependenciesOf(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// DependentsOf returns the nodes that directly depend on id.
func (g *Graph) DependentsOf(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TopoOrder returns ids so every node follows its dependencies, ties in declaration order.
func (g *Graph) TopoOrder() []string {
	placed := make(map[string]bool, len(g.order))
	out := make([]string, 0, len(g.order))
	for len(out) < len(g.order) {
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range g.deps[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// Ready returns pending nodes whose dependencies all succeeded, in declaration order.
func (g *Graph) Ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyLocked()
}

func (g *Graph) readyLocked() []string {
	var ready []string
	for _, id := range g.order {
		if g.state[id] != StatePending {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if g.state[dep] != StateSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Reserve marks up to limit ready nodes as running and returns them.
func (g *Graph) Reserve(limit int) []string {
	if limit <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ready := g.readyLocked()
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for _, id := range ready {
		g.state[id] = StateRunning
	}
	return ready
}

// SetState records the state of id.
func (g *Graph) SetState(id string, s State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.state[id]; !ok {
		return fmt.Errorf("task %q not found", id)
	}
	g.state[id] = s
	return nil
}

// StateOf returns the state of id.
func (g *Graph) StateOf(id string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state[id]
}

// SkipDependents marks every pending transitive dependent of id as skipped and returns them.
func (g *Graph) SkipDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var skipped []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if g.state[next] != StatePending {
			continue
		}
		g.state[next] = StateSkipped
		skipped = append(skipped, next)
		queue = append(queue, g.dependents[next]...)
	}
	return skipped
}

// Done reports whether every node is terminal.
func (g *Graph) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.state {
		if !s.Terminal() {
			return false
		}
	}
	return true
}
