package domain

import (
	"context"
	"sort"
)

// Action indicates the type of modification carried by a Change.
type Action string

// Change actions written to a RecordStore.
const (
	// ActionCreate inserts a new record.
	ActionCreate Action = "create"
	// ActionUpdate overwrites the fields of an existing record.
	ActionUpdate Action = "update"
	// ActionDelete removes the record.
	ActionDelete Action = "delete"
)

// Change describes one record write produced by a flush. Before is the
// snapshot the record was last observed with (zero for creates); After is
// the state to write (zero for deletes).
type Change struct {
	Key    EntityKey
	Action Action
	Before EntitySnapshot
	After  EntitySnapshot
	// Changed lists the differing field names for updates.
	Changed []string
}

// RecordStore is the backing store consulted by a unit of work. Load returns
// the stored field values for key; Apply writes a batch of changes
// atomically.
type RecordStore interface {
	Load(ctx context.Context, key EntityKey) (map[string]any, bool, error)
	Apply(ctx context.Context, changes []Change) error
}

// SortChanges orders changes by key so stores see a deterministic sequence.
func SortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Key.String() < changes[j].Key.String()
	})
}
