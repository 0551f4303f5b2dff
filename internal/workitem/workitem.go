// Package workitem defines the unit of schedulable work and its status
// state machine.
package workitem

// WorkItem is one schedulable unit. DependencyIDs has set semantics.
type WorkItem struct {
	ID            string     `json:"id" yaml:"id"`
	Title         string     `json:"title" yaml:"title"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	DependencyIDs []string   `json:"dependency_ids,omitempty" yaml:"dependency_ids,omitempty"`
	Status        Status     `json:"status" yaml:"status"`
	Complexity    Complexity `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	RetryCount    int        `json:"retry_count" yaml:"retry_count"`
	BlockedReason string     `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
}

// Clone returns a deep copy of the item.
func (w WorkItem) Clone() WorkItem {
	out := w
	if w.DependencyIDs != nil {
		out.DependencyIDs = make([]string, len(w.DependencyIDs))
		copy(out.DependencyIDs, w.DependencyIDs)
	}
	return out
}

// Normalize returns a copy with duplicate dependency ids collapsed (first
// occurrence wins), an empty status set to pending and an empty complexity
// set to medium. Invalid values are left untouched for the validator.
func (w WorkItem) Normalize() WorkItem {
	out := w.Clone()
	if out.Status == "" {
		out.Status = StatusPending
	}
	out.Complexity = out.Complexity.OrDefault()
	out.DependencyIDs = dedupe(out.DependencyIDs)
	return out
}

// NormalizeAll applies Normalize to every item, preserving order.
func NormalizeAll(items []WorkItem) []WorkItem {
	out := make([]WorkItem, len(items))
	for i, it := range items {
		out[i] = it.Normalize()
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// IDs returns the item ids in slice order.
func IDs(items []WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
