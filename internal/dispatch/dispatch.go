// Package dispatch selects the next work item to run.
package dispatch

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/workitem"
)

// StateView is the part of the state store the dispatcher reads.
type StateView interface {
	ListReady(ctx context.Context) ([]string, error)
	Item(id string) (workitem.WorkItem, bool)
	IDsWithStatus(status workitem.Status) []string
}

// Selection is the result of one dispatch decision. Exactly one of Item,
// Done or Waiting is meaningful.
type Selection struct {
	// Item is the chosen item, nil when nothing can run now.
	Item *workitem.WorkItem
	// Done is true when nothing is ready and nothing is in progress, so
	// the run cannot make further progress.
	Done bool
	// Waiting lists items held in progress elsewhere while nothing is ready.
	Waiting []string
}

// Dispatcher picks the ready item that comes first in the advisory order.
// It never mutates state.
type Dispatcher struct {
	state StateView
	index map[string]int
}

// New creates a dispatcher over order, typically the output of (*graph.Graph).Order.
func New(state StateView, order []string) *Dispatcher {
	index := make(map[string]int, len(order))
	for i, id := range order {
		index[id] = i
	}
	return &Dispatcher{state: state, index: index}
}

// Next returns the next selection. A ready id absent from the order means the
// order and the state store disagree and returns a *errors.DesyncError.
func (d *Dispatcher) Next(ctx context.Context) (Selection, error) {
	ready, err := d.state.ListReady(ctx)
	if err != nil {
		return Selection{}, err
	}

	best, bestIdx := "", -1
	for _, id := range ready {
		idx, ok := d.index[id]
		if !ok {
			return Selection{}, errors.NewDesyncError(fmt.Sprintf("ready item %q is not in the dispatch order", id)).WithItem(id)
		}
		if bestIdx < 0 || idx < bestIdx {
			best, bestIdx = id, idx
		}
	}

	if bestIdx >= 0 {
		it, ok := d.state.Item(best)
		if !ok {
			return Selection{}, errors.NewDesyncError(fmt.Sprintf("ready item %q vanished from the state store", best)).WithItem(best)
		}
		return Selection{Item: &it}, nil
	}

	if inProgress := d.state.IDsWithStatus(workitem.StatusInProgress); len(inProgress) > 0 {
		return Selection{Waiting: inProgress}, nil
	}
	return Selection{Done: true}, nil
}
