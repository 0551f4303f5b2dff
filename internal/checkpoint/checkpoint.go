// Package checkpoint persists scheduler progress so a crashed or stopped
// run can resume without repeating completed work.
//
// A checkpoint is written after every state transition. Files are named by
// sequence number, written durably (temp file, fsync, rename, directory
// fsync) and decoded strictly: unknown fields, trailing data or invalid
// statuses are reported as corruption rather than silently accepted.
package checkpoint

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Iron-Ham/foreman/internal/workitem"
)

// ItemState is the persisted per-item state.
type ItemState struct {
	Status        workitem.Status `json:"status"`
	RetryCount    int             `json:"retry_count"`
	BlockedReason string          `json:"blocked_reason,omitempty"`
}

// Checkpoint is one persisted snapshot of every item's state. Order holds
// the item ids in insertion order so a reload reproduces the same sequence.
type Checkpoint struct {
	Sequence        uint64               `json:"sequence"`
	RunID           string               `json:"run_id"`
	Timestamp       time.Time            `json:"timestamp"`
	Order           []string             `json:"order"`
	Snapshot        map[string]ItemState `json:"snapshot"`
	LastCompletedID string               `json:"last_completed_id,omitempty"`
}

// New builds an unsequenced checkpoint from items. Sequence and Timestamp
// are assigned by Manager.Write.
func New(runID string, items []workitem.WorkItem, lastCompletedID string) *Checkpoint {
	cp := &Checkpoint{
		RunID:           runID,
		Order:           make([]string, 0, len(items)),
		Snapshot:        make(map[string]ItemState, len(items)),
		LastCompletedID: lastCompletedID,
	}
	for _, it := range items {
		cp.Order = append(cp.Order, it.ID)
		cp.Snapshot[it.ID] = ItemState{
			Status:        it.Status,
			RetryCount:    it.RetryCount,
			BlockedReason: it.BlockedReason,
		}
	}
	return cp
}

// Validate checks the structural invariants of a decoded checkpoint.
func (c *Checkpoint) Validate() error {
	if c.Sequence == 0 {
		return fmt.Errorf("sequence must be positive")
	}
	if c.Snapshot == nil {
		return fmt.Errorf("snapshot is missing")
	}
	if len(c.Order) != len(c.Snapshot) {
		return fmt.Errorf("order lists %d ids but snapshot has %d", len(c.Order), len(c.Snapshot))
	}
	for _, id := range c.Order {
		st, ok := c.Snapshot[id]
		if !ok {
			return fmt.Errorf("order id %q missing from snapshot", id)
		}
		if !st.Status.Valid() {
			return fmt.Errorf("item %q has invalid status %q", id, st.Status)
		}
		if st.RetryCount < 0 {
			return fmt.Errorf("item %q has negative retry count", id)
		}
	}
	if c.LastCompletedID != "" {
		if _, ok := c.Snapshot[c.LastCompletedID]; !ok {
			return fmt.Errorf("last completed id %q missing from snapshot", c.LastCompletedID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Order = slices.Clone(c.Order)
	out.Snapshot = maps.Clone(c.Snapshot)
	return &out
}

// Get returns the state of one item.
func (c *Checkpoint) Get(id string) (ItemState, bool) {
	st, ok := c.Snapshot[id]
	return st, ok
}

// IDsWithStatus returns the ids with the given status, in insertion order.
func (c *Checkpoint) IDsWithStatus(status workitem.Status) []string {
	var out []string
	for _, id := range c.Order {
		if c.Snapshot[id].Status == status {
			out = append(out, id)
		}
	}
	return out
}

// Matches reports whether the checkpoint was written for items. Every id
// in the checkpoint must still be present; items added since are allowed.
// An empty checkpoint does not match a non-empty item set.
func (c *Checkpoint) Matches(items []workitem.WorkItem) error {
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.ID] = true
	}
	for _, id := range c.Order {
		if !known[id] {
			return fmt.Errorf("checkpoint item %q is not in the item set", id)
		}
	}
	if len(items) > 0 && len(c.Order) == 0 {
		return fmt.Errorf("checkpoint has no items")
	}
	return nil
}
