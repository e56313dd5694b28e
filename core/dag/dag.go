// Package dag holds the dependency-graph analysis shared by workflow step
// scheduling and unit initialization ordering.
package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCircularDependency is wrapped by every CycleError.
	ErrCircularDependency = errors.New("circular dependency")
	// ErrUnknownNode reports an edge pointing at an undeclared node.
	ErrUnknownNode = errors.New("unknown node")
)

// CycleError reports a dependency cycle. Path starts and ends on the same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCircularDependency
}

// Graph is a directed graph of nodes to the nodes they depend on. Node order
// follows first declaration and drives every traversal, so results are
// deterministic.
type Graph struct {
	order []string
	index map[string]int
	deps  map[string][]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{index: make(map[string]int), deps: make(map[string][]string)}
}

// AddNode declares id and appends its dependencies. Declaring a node twice
// merges the dependency lists.
func (g *Graph) AddNode(id string, deps ...string) {
	if _, ok := g.index[id]; !ok {
		g.index[id] = len(g.order)
		g.order = append(g.order, id)
	}
	for _, d := range deps {
		if !contains(g.deps[id], d) {
			g.deps[id] = append(g.deps[id], d)
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Has reports whether id was declared.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns node ids in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Deps returns the declared dependencies of id.
func (g *Graph) Deps(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the nodes that depend on id directly, in declaration order.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, n := range g.order {
		for _, d := range g.deps[n] {
			if d == id {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Validate checks that every edge targets a declared node.
func (g *Graph) Validate() error {
	for _, n := range g.order {
		for _, d := range g.deps[n] {
			if !g.Has(d) {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, n, d)
			}
		}
	}
	return nil
}

const (
	unvisited = iota
	onStack
	done
)

// FindCycle runs a depth-first search with a recursion stack and returns the
// first cycle found, or nil. Edges to undeclared nodes are ignored.
func (g *Graph) FindCycle() []string {
	state := make(map[string]int, len(g.order))
	var stack []string
	var visit func(string) []string
	visit = func(n string) []string {
		state[n] = onStack
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			if !g.Has(d) {
				continue
			}
			switch state[d] {
			case onStack:
				return cyclePath(stack, d)
			case unvisited:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}
	for _, n := range g.order {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// CheckAcyclic returns a *CycleError when the graph has a cycle.
func (g *Graph) CheckAcyclic() error {
	if c := g.FindCycle(); c != nil {
		return &CycleError{Path: c}
	}
	return nil
}

// TopoOrder returns every node after all of its dependencies. Among nodes
// that are ready at the same time, declaration order wins.
func (g *Graph) TopoOrder() ([]string, error) {
	if err := g.CheckAcyclic(); err != nil {
		return nil, err
	}
	pending := make(map[string]int, len(g.order))
	for _, n := range g.order {
		for _, d := range g.deps[n] {
			if g.Has(d) {
				pending[n]++
			}
		}
	}
	out := make([]string, 0, len(g.order))
	placed := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		next := ""
		for _, n := range g.order {
			if !placed[n] && pending[n] == 0 {
				next = n
				break
			}
		}
		if next == "" {
			// unreachable once CheckAcyclic passed
			return nil, &CycleError{Path: g.FindCycle()}
		}
		placed[next] = true
		out = append(out, next)
		for _, dep := range g.Dependents(next) {
			pending[dep]--
		}
	}
	return out, nil
}

// DepthFirst returns root and its transitive dependencies, deepest first,
// ending with root. Missing dependencies and cycles are errors.
func (g *Graph) DepthFirst(root string) ([]string, error) {
	if !g.Has(root) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, root)
	}
	state := make(map[string]int)
	var stack []string
	var out []string
	var visit func(string) error
	visit = func(n string) error {
		state[n] = onStack
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			if !g.Has(d) {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, n, d)
			}
			switch state[d] {
			case onStack:
				return &CycleError{Path: cyclePath(stack, d)}
			case unvisited:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		out = append(out, n)
		return nil
	}
	if err := visit(root); err != nil {
		return nil, err
	}
	return out, nil
}

func cyclePath(stack []string, start string) []string {
	for i, n := range stack {
		if n == start {
			path := append([]string(nil), stack[i:]...)
			return append(path, start)
		}
	}
	return []string{start, start}
}
