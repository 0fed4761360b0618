// Package memory provides an in-memory RecordStore used for tests and
// ephemeral environments, and as the hydrated working set of the SQL
// backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"persistctx/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.RecordStore = (*Store)(nil)

// Record is one stored row in an exported snapshot.
type Record struct {
	Key    domain.EntityKey
	Fields map[string]any
}

// Snapshot captures a point-in-time copy of every stored record, ordered by key.
type Snapshot struct {
	Records []Record
}

// Store keeps records in a map guarded by a read/write mutex.
type Store struct {
	mu      sync.RWMutex
	records map[domain.EntityKey]map[string]any
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[domain.EntityKey]map[string]any)}
}

// Load returns a copy of the fields stored for key.
func (s *Store) Load(_ context.Context, key domain.EntityKey) (map[string]any, bool, error) {
	key = domain.NewEntityKey(key.ID, key.Type)
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	return cloneFields(fields), true, nil
}

// Apply writes the batch atomically: either every change applies or none do.
func (s *Store) Apply(_ context.Context, changes []domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(changes); err != nil {
		return err
	}
	s.apply(changes)
	return nil
}

// Check validates a batch against the current state without writing it.
func (s *Store) Check(changes []domain.Change) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(changes)
}

func (s *Store) check(changes []domain.Change) error {
	present := make(map[domain.EntityKey]bool, len(changes))
	for _, ch := range changes {
		key := domain.NewEntityKey(ch.Key.ID, ch.Key.Type)
		if err := key.Validate(); err != nil {
			return err
		}
		exists, seen := present[key]
		if !seen {
			_, exists = s.records[key]
		}
		switch ch.Action {
		case domain.ActionCreate:
			if exists {
				return fmt.Errorf("create %s: %w", key, domain.ErrConflict)
			}
			present[key] = true
		case domain.ActionUpdate:
			if !exists {
				return fmt.Errorf("update %s: %w", key, domain.ErrNotFound)
			}
			present[key] = true
		case domain.ActionDelete:
			if !exists {
				return fmt.Errorf("delete %s: %w", key, domain.ErrNotFound)
			}
			present[key] = false
		default:
			return fmt.Errorf("unknown action %q for %s", ch.Action, key)
		}
	}
	return nil
}

func (s *Store) apply(changes []domain.Change) {
	for _, ch := range changes {
		key := domain.NewEntityKey(ch.Key.ID, ch.Key.Type)
		if ch.Action == domain.ActionDelete {
			delete(s.records, key)
			continue
		}
		s.records[key] = ch.After.Fields()
	}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ExportState returns a copy of all records ordered by key.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	out := Snapshot{Records: make([]Record, 0, len(s.records))}
	for key, fields := range s.records {
		out.Records = append(out.Records, Record{Key: key, Fields: cloneFields(fields)})
	}
	s.mu.RUnlock()
	sort.Slice(out.Records, func(i, j int) bool {
		return out.Records[i].Key.String() < out.Records[j].Key.String()
	})
	return out
}

// ImportState replaces the store contents with the snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	records := make(map[domain.EntityKey]map[string]any, len(snapshot.Records))
	for _, rec := range snapshot.Records {
		records[domain.NewEntityKey(rec.Key.ID, rec.Key.Type)] = cloneFields(rec.Fields)
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

func cloneFields(fields map[string]any) map[string]any {
	// Round through a snapshot so nested values are copied too.
	return domain.NewEntitySnapshot(fields).Fields()
}
