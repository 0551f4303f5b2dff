package graph

import (
	"fmt"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// Validate checks the item set. Schema checks run first, item by item, and
// stop at the first violation with a *errors.SchemaError. A structurally
// valid set is then searched for cycles; the first cycle found returns a
// *errors.CycleError.
func Validate(items []workitem.WorkItem) error {
	if err := validateSchema(items); err != nil {
		return err
	}
	if path := build(items).findCycle(); path != nil {
		return errors.NewCycleError(path)
	}
	return nil
}

func validateSchema(items []workitem.WorkItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.ID == "" {
			return schemaErr(fmt.Sprintf("item at position %d has an empty id", i), "").WithField("id")
		}
		if _, dup := seen[it.ID]; dup {
			return schemaErr("duplicate id", it.ID).WithField("id")
		}
		seen[it.ID] = struct{}{}

		if !it.Status.Valid() {
			return schemaErr(fmt.Sprintf("invalid status %q", it.Status), it.ID).WithField("status")
		}
		if !it.Complexity.Valid() {
			return schemaErr(fmt.Sprintf("invalid complexity %q", it.Complexity), it.ID).WithField("complexity")
		}
		if it.RetryCount < 0 {
			return schemaErr(fmt.Sprintf("negative retry count %d", it.RetryCount), it.ID).WithField("retry_count")
		}
	}

	for _, it := range items {
		for _, dep := range it.DependencyIDs {
			if dep == "" {
				return schemaErr("empty dependency id", it.ID).WithField("dependency_ids")
			}
			if _, ok := seen[dep]; !ok {
				return schemaErr("unknown dependency", it.ID).WithDependency(dep)
			}
		}
	}
	return nil
}

func schemaErr(reason, id string) *errors.SchemaError {
	return errors.NewSchemaError(reason, id)
}

// frame is one level of the iterative depth-first search.
type frame struct {
	node int
	next int // next dependency edge to follow
}

// findCycle runs an iterative DFS from each unvisited node in insertion
// order, following dependency edges in listed order. It returns the first
// cycle found as a path in which every element depends on the next and the
// last element equals the first, or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)

	state := make([]int, len(g.ids))
	pos := make([]int, len(g.ids)) // stack position while onStack

	for root := range g.ids {
		if state[root] != unvisited {
			continue
		}

		stack := []frame{{node: root}}
		state[root] = onStack
		pos[root] = 0

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(g.deps[top.node]) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}

			dep := g.deps[top.node][top.next]
			top.next++

			switch state[dep] {
			case onStack:
				path := make([]string, 0, len(stack)-pos[dep]+1)
				for _, f := range stack[pos[dep]:] {
					path = append(path, g.ids[f.node])
				}
				return append(path, g.ids[dep])
			case unvisited:
				state[dep] = onStack
				pos[dep] = len(stack)
				stack = append(stack, frame{node: dep})
			}
		}
	}
	return nil
}
