package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"persistctx/pkg/domain"
)

// PersistenceContext tracks the live entities and database snapshots of one
// unit of work. A single read/write mutex guards both maps so operations on
// the same key are linearizable. The identity map and the snapshot store are
// populated independently; nothing propagates between them.
type PersistenceContext struct {
	id           string
	mu           sync.RWMutex
	entities     map[domain.EntityKey]any
	snapshots    map[domain.EntityKey]domain.EntitySnapshot
	introspector domain.RecordIntrospector
	logger       Logger
	metrics      MetricsRecorder
	clock        Clock
}

// NewPersistenceContext returns an empty context, or one pre-seeded through
// WithEntities and WithSnapshots.
func NewPersistenceContext(opts ...ContextOption) *PersistenceContext {
	cfg := applyContextOptions(opts)
	return newPersistenceContext(cfg)
}

func newPersistenceContext(cfg contextOptions) *PersistenceContext {
	pc := &PersistenceContext{
		id:           uuid.NewString(),
		entities:     make(map[domain.EntityKey]any, len(cfg.entities)),
		snapshots:    make(map[domain.EntityKey]domain.EntitySnapshot, len(cfg.snapshots)),
		introspector: cfg.introspector,
		logger:       cfg.logger,
		metrics:      cfg.metrics,
		clock:        cfg.clock,
	}
	for k, v := range cfg.entities {
		pc.entities[domain.NewEntityKey(k.ID, k.Type)] = v
	}
	for k, v := range cfg.snapshots {
		pc.snapshots[domain.NewEntityKey(k.ID, k.Type)] = v
	}
	return pc
}

// ID returns the context identifier used in logs.
func (pc *PersistenceContext) ID() string { return pc.id }

// Introspector returns the collaborator that describes records.
func (pc *PersistenceContext) Introspector() domain.RecordIntrospector { return pc.introspector }

// GetEntity returns the live object tracked under key.
func (pc *PersistenceContext) GetEntity(key domain.EntityKey) (any, bool) {
	key = domain.NewEntityKey(key.ID, key.Type)
	if key.Validate() != nil {
		return nil, false
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	entity, ok := pc.entities[key]
	return entity, ok
}

// AddEntity tracks entity under (id, type of entity). An entity already
// tracked under the same key is replaced.
func (pc *PersistenceContext) AddEntity(id any, entity any) (err error) {
	defer pc.observe("context.add_entity", pc.clock.Now(), &err)
	key, err := pc.keyFor(id, entity)
	if err != nil {
		return fmt.Errorf("add entity: %w", err)
	}
	pc.mu.Lock()
	_, replaced := pc.entities[key]
	pc.entities[key] = entity
	pc.mu.Unlock()
	pc.logger.Debug("entity added", "context_id", pc.id, "key", key.String(), "replaced", replaced)
	return nil
}

// AddEntityIfAbsent tracks entity unless the key is already tracked, in which
// case the existing instance is returned with loaded set.
func (pc *PersistenceContext) AddEntityIfAbsent(id any, entity any) (actual any, loaded bool, err error) {
	defer pc.observe("context.add_entity_if_absent", pc.clock.Now(), &err)
	key, err := pc.keyFor(id, entity)
	if err != nil {
		return nil, false, fmt.Errorf("add entity: %w", err)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if existing, ok := pc.entities[key]; ok {
		return existing, true, nil
	}
	pc.entities[key] = entity
	pc.logger.Debug("entity added", "context_id", pc.id, "key", key.String(), "replaced", false)
	return entity, false, nil
}

// RemoveEntity stops tracking entity. The key derived from the entity's
// identifier and type is removed when tracked, whatever instance it holds.
// Otherwise the key under which this same instance is tracked is removed.
func (pc *PersistenceContext) RemoveEntity(entity any) (err error) {
	defer pc.observe("context.remove_entity", pc.clock.Now(), &err)
	key, err := domain.KeyOf(pc.introspector, entity)
	if err != nil {
		return fmt.Errorf("remove entity: %w", err)
	}
	_, err = pc.removeInstance(key, entity)
	return err
}

// RemoveEntityByID stops tracking the record identified by id and recordType.
func (pc *PersistenceContext) RemoveEntityByID(id any, recordType domain.RecordType) (err error) {
	defer pc.observe("context.remove_entity", pc.clock.Now(), &err)
	return pc.RemoveEntityByKey(domain.NewEntityKey(id, recordType))
}

// RemoveEntityByKey stops tracking key. It fails with an IllegalStateError
// when the key is not tracked. Snapshots are left in place.
func (pc *PersistenceContext) RemoveEntityByKey(key domain.EntityKey) error {
	key = domain.NewEntityKey(key.ID, key.Type)
	if err := key.Validate(); err != nil {
		return fmt.Errorf("remove entity: %w", err)
	}
	return pc.removeKey(key)
}

func (pc *PersistenceContext) removeKey(key domain.EntityKey) error {
	pc.mu.Lock()
	if _, ok := pc.entities[key]; !ok {
		pc.mu.Unlock()
		pc.logger.Warn("remove rejected", "context_id", pc.id, "key", key.String())
		return domain.NewNotPersistedError(key)
	}
	delete(pc.entities, key)
	pc.mu.Unlock()
	pc.logger.Debug("entity removed", "context_id", pc.id, "key", key.String())
	return nil
}

// removeInstance removes key, or failing that the key tracking entity
// itself, under one lock. It returns the key that was removed.
func (pc *PersistenceContext) removeInstance(key domain.EntityKey, entity any) (domain.EntityKey, error) {
	pc.mu.Lock()
	removed, ok := key, false
	if _, ok = pc.entities[key]; !ok {
		for k, tracked := range pc.entities {
			if sameInstance(tracked, entity) {
				removed, ok = k, true
				break
			}
		}
	}
	if !ok {
		pc.mu.Unlock()
		pc.logger.Warn("remove rejected", "context_id", pc.id, "key", key.String())
		return key, domain.NewNotPersistedError(key)
	}
	delete(pc.entities, removed)
	pc.mu.Unlock()
	pc.logger.Debug("entity removed", "context_id", pc.id, "key", removed.String())
	return removed, nil
}

// GetDatabaseSnapshot captures entity's current field values, stores the
// snapshot under (id, type of entity) replacing any earlier capture, and
// returns it.
func (pc *PersistenceContext) GetDatabaseSnapshot(id any, entity any) (snap domain.EntitySnapshot, err error) {
	defer pc.observe("context.capture_snapshot", pc.clock.Now(), &err)
	key, err := pc.keyFor(id, entity)
	if err != nil {
		return domain.EntitySnapshot{}, fmt.Errorf("capture snapshot: %w", err)
	}
	fields, err := pc.introspector.FieldValuesOf(entity)
	if err != nil {
		return domain.EntitySnapshot{}, &domain.RecordError{Key: key, Op: "capture snapshot", Err: err}
	}
	snap = domain.NewEntitySnapshot(fields)
	pc.mu.Lock()
	pc.snapshots[key] = snap
	pc.mu.Unlock()
	pc.logger.Debug("snapshot captured", "context_id", pc.id, "key", key.String(), "fields", snap.Len())
	return snap, nil
}

func (pc *PersistenceContext) storeSnapshot(key domain.EntityKey, snap domain.EntitySnapshot) {
	pc.mu.Lock()
	pc.snapshots[key] = snap
	pc.mu.Unlock()
}

// GetCachedDatabaseSnapshot returns the snapshot last captured for key.
func (pc *PersistenceContext) GetCachedDatabaseSnapshot(key domain.EntityKey) (domain.EntitySnapshot, bool) {
	key = domain.NewEntityKey(key.ID, key.Type)
	if key.Validate() != nil {
		return domain.EntitySnapshot{}, false
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	snap, ok := pc.snapshots[key]
	return snap, ok
}

// RemoveSnapshot drops the snapshot for key and reports whether one existed.
func (pc *PersistenceContext) RemoveSnapshot(key domain.EntityKey) bool {
	key = domain.NewEntityKey(key.ID, key.Type)
	if key.Validate() != nil {
		return false
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.snapshots[key]; !ok {
		return false
	}
	delete(pc.snapshots, key)
	return true
}

// Contains reports whether key is tracked in the identity map.
func (pc *PersistenceContext) Contains(key domain.EntityKey) bool {
	_, ok := pc.GetEntity(key)
	return ok
}

// Len returns the number of tracked entities.
func (pc *PersistenceContext) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.entities)
}

// SnapshotLen returns the number of stored snapshots.
func (pc *PersistenceContext) SnapshotLen() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.snapshots)
}

// Keys returns the tracked entity keys ordered by their string form.
func (pc *PersistenceContext) Keys() []domain.EntityKey {
	pc.mu.RLock()
	keys := make([]domain.EntityKey, 0, len(pc.entities))
	for k := range pc.entities {
		keys = append(keys, k)
	}
	pc.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// SnapshotKeys returns the keys with a stored snapshot ordered by their string form.
func (pc *PersistenceContext) SnapshotKeys() []domain.EntityKey {
	pc.mu.RLock()
	keys := make([]domain.EntityKey, 0, len(pc.snapshots))
	for k := range pc.snapshots {
		keys = append(keys, k)
	}
	pc.mu.RUnlock()
	sortKeys(keys)
	return keys
}

// Find returns the entity tracked under key when it has type T.
func Find[T any](pc *PersistenceContext, key domain.EntityKey) (T, bool) {
	var zero T
	entity, ok := pc.GetEntity(key)
	if !ok {
		return zero, false
	}
	typed, ok := entity.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

func (pc *PersistenceContext) keyFor(id any, entity any) (domain.EntityKey, error) {
	recordType, err := pc.introspector.TypeTagOf(entity)
	if err != nil {
		return domain.EntityKey{}, err
	}
	key := domain.NewEntityKey(id, recordType)
	if err := key.Validate(); err != nil {
		return domain.EntityKey{}, err
	}
	return key, nil
}

func (pc *PersistenceContext) observe(op string, start time.Time, err *error) {
	pc.metrics.Observe(context.Background(), op, *err == nil, pc.clock.Now().Sub(start))
}

func sortKeys(keys []domain.EntityKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
