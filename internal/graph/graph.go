// Package graph validates work item sets and orders them by dependency.
//
// The dependency graph is a derived view over a slice of work items. Items
// keep their insertion index, which is the tie-break for every ordering
// decision made here, so results are deterministic for a given input.
package graph

import "github.com/Iron-Ham/foreman/internal/workitem"

// Graph is an index over a validated item set.
type Graph struct {
	ids        []string
	index      map[string]int
	deps       [][]int // node -> dependencies, in listed order
	dependents [][]int // node -> dependents, in insertion order
}

// New validates items and builds a Graph. Items should be normalized first.
func New(items []workitem.WorkItem) (*Graph, error) {
	if err := Validate(items); err != nil {
		return nil, err
	}
	return build(items), nil
}

func build(items []workitem.WorkItem) *Graph {
	g := &Graph{
		ids:        make([]string, len(items)),
		index:      make(map[string]int, len(items)),
		deps:       make([][]int, len(items)),
		dependents: make([][]int, len(items)),
	}
	for i, it := range items {
		g.ids[i] = it.ID
		g.index[it.ID] = i
	}
	for i, it := range items {
		for _, dep := range it.DependencyIDs {
			j := g.index[dep]
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	return g
}

// Dependencies returns the ids id depends on, in listed order.
func (g *Graph) Dependencies(id string) []string {
	return g.names(g.deps, id)
}

// Downstream returns every id that transitively depends on id, in insertion order.
func (g *Graph) Downstream(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.ids))
	queue := []int{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range g.dependents[n] {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	var out []string
	for i, ok := range seen {
		if ok {
			out = append(out, g.ids[i])
		}
	}
	return out
}

func (g *Graph) names(adj [][]int, id string) []string {
	i, ok := g.index[id]
	if !ok || len(adj[i]) == 0 {
		return nil
	}
	out := make([]string, len(adj[i]))
	for k, j := range adj[i] {
		out[k] = g.ids[j]
	}
	return out
}

// Order returns the topological order of the graph. See Order.
func (g *Graph) Order() ([]string, error) {
	return g.topoOrder()
}
