// Package graph builds the project dependency graph and computes start and
// stop orders from it.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var (
	// ErrDependencyNotFound marks a declared dependency on an unregistered project.
	ErrDependencyNotFound = errors.New("dependency not found")
	// ErrCycleDetected marks an order computation over a cyclic set of projects.
	ErrCycleDetected = errors.New("dependency cycle detected")
)

// Declaration is one project's dependency declaration.
type Declaration struct {
	Name      string
	DependsOn []string
	Linked    []string
}

// Node is a project in the graph.
type Node struct {
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
	Missing      []string `json:"missing,omitempty"`
	Linked       []string `json:"linked,omitempty"`
	Status       string   `json:"status,omitempty"`
}

// Graph is a dependency graph. It is derived from declarations on demand and
// must not be reused once the declarations change.
type Graph struct {
	nodes map[string]*Node
}

// CycleError names every project left over when Kahn's algorithm stalls.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among: %s", strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// MissingDependencyError lists unresolved dependency names per project.
type MissingDependencyError struct {
	Missing map[string][]string
}

func (e *MissingDependencyError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for name := range e.Missing {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s -> [%s]", name, strings.Join(e.Missing[name], ", ")))
	}
	return "dependency not found: " + strings.Join(parts, "; ")
}

func (e *MissingDependencyError) Is(target error) bool { return target == ErrDependencyNotFound }

// UnknownProjectError is returned when an order is requested for a name that
// is not in the graph.
type UnknownProjectError struct {
	Name string
}

func (e *UnknownProjectError) Error() string {
	return fmt.Sprintf("project '%s' not found in dependency graph", e.Name)
}

// Build creates a graph from declarations. Unresolved dependencies do not fail
// the build; they are recorded on the node and block order computations that
// include it.
func Build(decls []Declaration) *Graph {
	g := &Graph{nodes: make(map[string]*Node, len(decls))}

	for _, d := range decls {
		g.nodes[d.Name] = &Node{
			Name:         d.Name,
			Dependencies: []string{},
			Dependents:   []string{},
			Linked:       append([]string(nil), d.Linked...),
		}
	}

	for _, d := range decls {
		node := g.nodes[d.Name]
		seen := make(map[string]bool, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			target, ok := g.nodes[dep]
			if !ok {
				node.Missing = append(node.Missing, dep)
				continue
			}
			node.Dependencies = append(node.Dependencies, dep)
			target.Dependents = append(target.Dependents, d.Name)
		}
	}

	for _, node := range g.nodes {
		sort.Strings(node.Dependencies)
		sort.Strings(node.Dependents)
		sort.Strings(node.Missing)
	}

	return g
}

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Node returns the node for name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns all nodes sorted by name.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all node names sorted.
func (g *Graph) Names() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unresolved returns the projects with missing dependencies.
func (g *Graph) Unresolved() map[string][]string {
	out := make(map[string][]string)
	for name, n := range g.nodes {
		if len(n.Missing) > 0 {
			out[name] = append([]string(nil), n.Missing...)
		}
	}
	return out
}

// StartOrder returns a start order for every project in the graph.
func (g *Graph) StartOrder() ([]string, error) {
	set := make(map[string]bool, len(g.nodes))
	for name := range g.nodes {
		set[name] = true
	}
	return g.order(set)
}

// StopOrder is the exact reverse of StartOrder.
func (g *Graph) StopOrder() ([]string, error) {
	order, err := g.StartOrder()
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}

// StartOrderFor returns the start order of names and everything they
// transitively depend on.
func (g *Graph) StartOrderFor(names ...string) ([]string, error) {
	set, err := g.closure(names, func(n *Node) []string { return n.Dependencies })
	if err != nil {
		return nil, err
	}
	return g.order(set)
}

// StopOrderFor returns the stop order of names and everything that
// transitively depends on them. Dependents always come first.
func (g *Graph) StopOrderFor(names ...string) ([]string, error) {
	set, err := g.closure(names, func(n *Node) []string { return n.Dependents })
	if err != nil {
		return nil, err
	}
	order, err := g.order(set)
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}

// DependenciesOf returns the transitive dependencies of name, sorted.
func (g *Graph) DependenciesOf(name string) ([]string, error) {
	set, err := g.closure([]string{name}, func(n *Node) []string { return n.Dependencies })
	if err != nil {
		return nil, err
	}
	delete(set, name)
	return sortedKeys(set), nil
}

// Dependents returns every project whose dependencies transitively include
// name, found by breadth-first search over reverse edges.
func (g *Graph) Dependents(name string) []string {
	start, ok := g.nodes[name]
	if !ok {
		return []string{}
	}

	visited := map[string]bool{name: true}
	queue := append([]string(nil), start.Dependents...)
	var out []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		out = append(out, current)
		queue = append(queue, g.nodes[current].Dependents...)
	}

	sort.Strings(out)
	if out == nil {
		return []string{}
	}
	return out
}

// Components partitions names into groups whose dependency closures overlap.
// Groups are returned sorted by their first name; names inside a group keep
// ascending order.
func (g *Graph) Components(names []string) ([][]string, error) {
	closures := make(map[string]map[string]bool, len(names))
	for _, name := range names {
		set, err := g.closure([]string{name}, func(n *Node) []string { return n.Dependencies })
		if err != nil {
			return nil, err
		}
		closures[name] = set
	}

	parent := make(map[string]string, len(names))
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, name := range names {
		parent[name] = name
	}

	owner := make(map[string]string)
	for _, name := range names {
		for member := range closures[name] {
			if other, ok := owner[member]; ok {
				a, b := find(other), find(name)
				if a != b {
					parent[a] = b
				}
				continue
			}
			owner[member] = name
		}
	}

	groups := make(map[string][]string)
	for _, name := range names {
		root := find(name)
		if !slices.Contains(groups[root], name) {
			groups[root] = append(groups[root], name)
		}
	}

	out := make([][]string, 0, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

func (g *Graph) closure(names []string, next func(*Node) []string) (map[string]bool, error) {
	set := make(map[string]bool)
	stack := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := g.nodes[name]; !ok {
			return nil, &UnknownProjectError{Name: name}
		}
		stack = append(stack, name)
	}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if set[current] {
			continue
		}
		set[current] = true
		stack = append(stack, next(g.nodes[current])...)
	}
	return set, nil
}

// order runs Kahn's algorithm over the subgraph induced by set. The ready
// queue is kept sorted so ties resolve by name.
func (g *Graph) order(set map[string]bool) ([]string, error) {
	missing := make(map[string][]string)
	for name := range set {
		if n := g.nodes[name]; len(n.Missing) > 0 {
			missing[name] = append([]string(nil), n.Missing...)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingDependencyError{Missing: missing}
	}

	inDegree := make(map[string]int, len(set))
	for name := range set {
		for _, dep := range g.nodes[name].Dependencies {
			if set[dep] {
				inDegree[name]++
			}
		}
	}

	var ready []string
	for name := range set {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(set))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, dependent := range g.nodes[current].Dependents {
			if !set[dependent] {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				i, _ := slices.BinarySearch(ready, dependent)
				ready = slices.Insert(ready, i, dependent)
			}
		}
	}

	if len(order) < len(set) {
		var remaining []string
		for name := range set {
			if inDegree[name] > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Nodes: remaining}
	}

	return order, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
