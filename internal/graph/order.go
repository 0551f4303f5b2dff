package graph

import (
	"container/heap"
	"fmt"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Order validates items and returns their ids in topological order: every id
// appears after all of its dependencies. Ties are broken by insertion order.
func Order(items []workitem.WorkItem) ([]string, error) {
	g, err := New(items)
	if err != nil {
		return nil, err
	}
	return g.topoOrder()
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with a min-heap of insertion indices as the
// ready queue. Nodes left with a nonzero in-degree mean validation was
// bypassed, which is reported as a desync.
func (g *Graph) topoOrder() ([]string, error) {
	indeg := make([]int, len(g.ids))
	for i := range g.ids {
		indeg[i] = len(g.deps[i])
	}

	ready := &indexHeap{}
	for i, d := range indeg {
		if d == 0 {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	out := make([]string, 0, len(g.ids))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, g.ids[n])
		for _, m := range g.dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) != len(g.ids) {
		for i, d := range indeg {
			if d > 0 {
				return nil, errors.NewDesyncError(
					fmt.Sprintf("topological order is missing %d of %d items", len(g.ids)-len(out), len(g.ids)),
				).WithItem(g.ids[i])
			}
		}
	}
	return out, nil
}

// Levels groups the order into dependency levels: level 0 has no
// dependencies, level n depends on at least one item of level n-1.
func (g *Graph) Levels() [][]string {
	level := make([]int, len(g.ids))
	order, err := g.topoOrder()
	if err != nil {
		return nil
	}
	maxLevel := 0
	for _, id := range order {
		i := g.index[id]
		for _, d := range g.deps[i] {
			if level[d]+1 > level[i] {
				level[i] = level[d] + 1
			}
		}
		if level[i] > maxLevel {
			maxLevel = level[i]
		}
	}
	if len(order) == 0 {
		return nil
	}
	out := make([][]string, maxLevel+1)
	for _, id := range order {
		l := level[g.index[id]]
		out[l] = append(out[l], id)
	}
	return out
}

// ItemsByID indexes items by id. The last item wins on duplicate ids.
func ItemsByID(items []workitem.WorkItem) map[string]workitem.WorkItem {
	out := make(map[string]workitem.WorkItem, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}
