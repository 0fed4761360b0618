package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"persistctx/internal/blob"
	"persistctx/pkg/domain"
)

const checkpointContentType = "application/json"

// SnapshotEntry is one stored snapshot in a checkpoint. The identifier is
// kept as kind and text so its Go type survives the JSON round trip.
type SnapshotEntry struct {
	Type   domain.RecordType     `json:"type"`
	IDKind domain.IdentifierKind `json:"id_kind"`
	ID     string                `json:"id"`
	Fields domain.EntitySnapshot `json:"fields"`
}

// Key rebuilds the entity key of the entry.
func (e SnapshotEntry) Key() (domain.EntityKey, error) {
	id, err := domain.DecodeIdentifier(e.IDKind, e.ID)
	if err != nil {
		return domain.EntityKey{}, err
	}
	return domain.NewEntityKey(id, e.Type), nil
}

// ContextState is the serializable part of a PersistenceContext. Live
// entities are process objects and are never exported.
type ContextState struct {
	ContextID  string          `json:"context_id"`
	CapturedAt time.Time       `json:"captured_at"`
	Snapshots  []SnapshotEntry `json:"snapshots"`
}

// SnapshotMap converts the state into a map suitable for WithSnapshots.
func (s ContextState) SnapshotMap() (map[domain.EntityKey]domain.EntitySnapshot, error) {
	out := make(map[domain.EntityKey]domain.EntitySnapshot, len(s.Snapshots))
	for _, entry := range s.Snapshots {
		key, err := entry.Key()
		if err != nil {
			return nil, fmt.Errorf("checkpoint entry %s#%s: %w", entry.Type, entry.ID, err)
		}
		out[key] = entry.Fields
	}
	return out, nil
}

// ExportState returns the stored snapshots ordered by key.
func (pc *PersistenceContext) ExportState() (ContextState, error) {
	state := ContextState{ContextID: pc.id, CapturedAt: pc.clock.Now()}
	pc.mu.RLock()
	entries := make([]SnapshotEntry, 0, len(pc.snapshots))
	var encodeErr error
	for key, snap := range pc.snapshots {
		kind, text, err := domain.EncodeIdentifier(key.ID)
		if err != nil {
			encodeErr = fmt.Errorf("export %s: %w", key, err)
			break
		}
		entries = append(entries, SnapshotEntry{Type: key.Type, IDKind: kind, ID: text, Fields: snap})
	}
	pc.mu.RUnlock()
	if encodeErr != nil {
		return ContextState{}, encodeErr
	}
	sortEntries(entries)
	state.Snapshots = entries
	return state, nil
}

// ImportState stores every snapshot in state, replacing snapshots already
// held under the same keys. The identity map is untouched.
func (pc *PersistenceContext) ImportState(state ContextState) error {
	snapshots, err := state.SnapshotMap()
	if err != nil {
		return err
	}
	pc.mu.Lock()
	for key, snap := range snapshots {
		pc.snapshots[key] = snap
	}
	pc.mu.Unlock()
	pc.logger.Info("checkpoint imported", "context_id", pc.id, "source_context_id", state.ContextID, "snapshots", len(snapshots))
	return nil
}

// SaveCheckpoint writes pc's exported state to store under name.
func SaveCheckpoint(ctx context.Context, store blob.Store, name string, pc *PersistenceContext) (blob.Info, error) {
	state, err := pc.ExportState()
	if err != nil {
		return blob.Info{}, err
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	info, err := store.Put(ctx, name, bytes.NewReader(raw), checkpointContentType)
	if err != nil {
		return blob.Info{}, fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	pc.logger.Info("checkpoint saved", "context_id", pc.id, "name", name, "snapshots", len(state.Snapshots), "driver", string(store.Driver()))
	return info, nil
}

// LoadCheckpoint reads the state saved under name. A missing checkpoint
// matches blob.ErrNotFound.
func LoadCheckpoint(ctx context.Context, store blob.Store, name string) (ContextState, error) {
	_, rc, err := store.Get(ctx, name)
	if err != nil {
		return ContextState{}, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return ContextState{}, fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	var state ContextState
	if err := json.Unmarshal(raw, &state); err != nil {
		return ContextState{}, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return state, nil
}

// RestoreContext builds a context pre-seeded with the snapshots saved under name.
func RestoreContext(ctx context.Context, store blob.Store, name string, opts ...ContextOption) (*PersistenceContext, error) {
	state, err := LoadCheckpoint(ctx, store, name)
	if err != nil {
		return nil, err
	}
	snapshots, err := state.SnapshotMap()
	if err != nil {
		return nil, err
	}
	return NewPersistenceContext(append(opts, WithSnapshots(snapshots))...), nil
}

// IsCheckpointMissing reports whether err came from an absent checkpoint.
func IsCheckpointMissing(err error) bool { return errors.Is(err, blob.ErrNotFound) }

func sortEntries(entries []SnapshotEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.IDKind < b.IDKind
	})
}
