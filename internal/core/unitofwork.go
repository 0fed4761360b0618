package core

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"persistctx/pkg/domain"
)

// UnitOfWork owns one PersistenceContext and writes the changes observed on
// its tracked entities to a RecordStore. Loads for the same key are
// collapsed so concurrent callers receive one shared instance.
type UnitOfWork struct {
	id        string
	pc        *PersistenceContext
	store     domain.RecordStore
	factories map[domain.RecordType]domain.EntityFactory
	loads     singleflight.Group

	mu      sync.Mutex
	created map[domain.EntityKey]any
	removed map[domain.EntityKey]struct{}
	closed  bool

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock
}

// FlushResult summarizes the batch written by Flush.
type FlushResult struct {
	Created int
	Updated int
	Deleted int
	Changes []domain.Change
}

// NewUnitOfWork returns a unit of work over store. factories build live
// entities for each record type Find may load.
func NewUnitOfWork(store domain.RecordStore, factories map[domain.RecordType]domain.EntityFactory, opts ...ContextOption) *UnitOfWork {
	cfg := applyContextOptions(opts)
	registry := make(map[domain.RecordType]domain.EntityFactory, len(factories))
	for recordType, factory := range factories {
		registry[recordType] = factory
	}
	return &UnitOfWork{
		id:        uuid.NewString(),
		pc:        newPersistenceContext(cfg),
		store:     store,
		factories: registry,
		created:   make(map[domain.EntityKey]any),
		removed:   make(map[domain.EntityKey]struct{}),
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		tracer:    cfg.tracer,
		clock:     cfg.clock,
	}
}

// ID returns the unit of work identifier used in logs.
func (u *UnitOfWork) ID() string { return u.id }

// Context exposes the persistence context owned by the unit of work.
func (u *UnitOfWork) Context() *PersistenceContext { return u.pc }

// Find returns the entity tracked under key, loading it from the store on a
// miss. A record the store does not hold, or one removed in this unit of
// work, reports domain.ErrNotFound.
func (u *UnitOfWork) Find(ctx context.Context, key domain.EntityKey) (entity any, err error) {
	ctx, end := u.begin(ctx, "uow.find")
	defer func() { end(err) }()

	key = domain.NewEntityKey(key.ID, key.Type)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := u.ensureOpen(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	_, removed := u.removed[key]
	u.mu.Unlock()
	if removed {
		return nil, fmt.Errorf("find %s: %w", key, domain.ErrNotFound)
	}
	if tracked, ok := u.pc.GetEntity(key); ok {
		return tracked, nil
	}
	factory, ok := u.factories[key.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no factory for %s", domain.ErrUnsupportedRecord, key.Type)
	}
	v, err, shared := u.loads.Do(loadKey(key), func() (any, error) {
		return u.load(ctx, key, factory)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		u.logger.Debug("load shared", "uow_id", u.id, "key", key.String())
	}
	return v, nil
}

// FindAll loads every key concurrently and returns the entities in key order.
func (u *UnitOfWork) FindAll(ctx context.Context, keys []domain.EntityKey) ([]any, error) {
	out := make([]any, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			entity, err := u.Find(gctx, key)
			if err != nil {
				return err
			}
			out[i] = entity
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (u *UnitOfWork) load(ctx context.Context, key domain.EntityKey, factory domain.EntityFactory) (any, error) {
	if tracked, ok := u.pc.GetEntity(key); ok {
		return tracked, nil
	}
	fields, ok, err := u.store.Load(ctx, key)
	if err != nil {
		return nil, &domain.RecordError{Key: key, Op: "load", Err: err}
	}
	if !ok {
		return nil, fmt.Errorf("find %s: %w", key, domain.ErrNotFound)
	}
	built, err := factory(key, fields)
	if err != nil {
		return nil, &domain.RecordError{Key: key, Op: "build", Err: err}
	}
	recordType, err := u.pc.introspector.TypeTagOf(built)
	if err != nil {
		return nil, &domain.RecordError{Key: key, Op: "build", Err: err}
	}
	if recordType != key.Type {
		return nil, &domain.RecordError{Key: key, Op: "build", Err: fmt.Errorf("factory produced %s", recordType)}
	}
	actual, loaded, err := u.pc.AddEntityIfAbsent(key.ID, built)
	if err != nil {
		return nil, err
	}
	if !loaded {
		if _, err := u.pc.GetDatabaseSnapshot(key.ID, actual); err != nil {
			return nil, err
		}
	}
	return actual, nil
}

// Persist registers a new entity and schedules its insert. Persisting an
// entity removed earlier in this unit of work cancels the removal.
func (u *UnitOfWork) Persist(entity any) (err error) {
	start := u.clock.Now()
	defer func() { u.metrics.Observe(context.Background(), "uow.persist", err == nil, u.clock.Now().Sub(start)) }()
	key, err := domain.KeyOf(u.pc.introspector, entity)
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if err := u.lockOpen(); err != nil {
		return err
	}
	defer u.mu.Unlock()
	actual, loaded, err := u.pc.AddEntityIfAbsent(key.ID, entity)
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	if loaded {
		if sameInstance(actual, entity) {
			return nil
		}
		return fmt.Errorf("persist %s: %w", key, domain.ErrConflict)
	}
	if _, wasRemoved := u.removed[key]; wasRemoved {
		delete(u.removed, key)
		u.logger.Debug("removal cancelled", "uow_id", u.id, "key", key.String())
		return nil
	}
	u.created[key] = entity
	u.logger.Debug("insert scheduled", "uow_id", u.id, "key", key.String())
	return nil
}

// Remove stops tracking entity and schedules its delete. The entity is found
// by its key, or by instance when it is tracked under another key. Removing
// an entity that is not tracked fails with the context's IllegalStateError.
func (u *UnitOfWork) Remove(ctx context.Context, entity any) (err error) {
	ctx, end := u.begin(ctx, "uow.remove")
	defer func() { end(err) }()
	key, err := domain.KeyOf(u.pc.introspector, entity)
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if err := u.lockOpen(); err != nil {
		return err
	}
	defer u.mu.Unlock()
	key, err = u.pc.removeInstance(key, entity)
	if err != nil {
		return err
	}
	if _, pending := u.created[key]; pending {
		delete(u.created, key)
		return nil
	}
	u.removed[key] = struct{}{}
	u.logger.Debug("delete scheduled", "uow_id", u.id, "key", key.String())
	return nil
}

// DirtyFields returns the sorted names of fields that differ from the
// snapshot captured when entity was loaded or last flushed.
func (u *UnitOfWork) DirtyFields(entity any) ([]string, error) {
	if err := u.ensureOpen(); err != nil {
		return nil, err
	}
	key, err := domain.KeyOf(u.pc.introspector, entity)
	if err != nil {
		return nil, err
	}
	snap, ok := u.pc.GetCachedDatabaseSnapshot(key)
	if !ok {
		return nil, domain.NewNotPersistedError(key)
	}
	fields, err := u.pc.introspector.FieldValuesOf(entity)
	if err != nil {
		return nil, &domain.RecordError{Key: key, Op: "dirty check", Err: err}
	}
	return snap.Diff(domain.NewEntitySnapshot(fields)), nil
}

// Flush writes scheduled inserts, dirty updates and scheduled deletes to the
// store in one Apply call ordered by key. Snapshots are refreshed for written
// entities and dropped for deleted ones. On failure nothing is refreshed and
// the pending work stays scheduled.
func (u *UnitOfWork) Flush(ctx context.Context) (result FlushResult, err error) {
	ctx, end := u.begin(ctx, "uow.flush")
	defer func() { end(err) }()
	if err := u.lockOpen(); err != nil {
		return FlushResult{}, err
	}
	defer u.mu.Unlock()

	changes, err := u.collect()
	if err != nil {
		return FlushResult{}, err
	}
	if len(changes) == 0 {
		return FlushResult{}, nil
	}
	domain.SortChanges(changes)
	if err := u.store.Apply(ctx, changes); err != nil {
		u.logger.Error("flush failed", "uow_id", u.id, "changes", len(changes), "error", err.Error())
		return FlushResult{}, fmt.Errorf("flush: %w", err)
	}
	result.Changes = changes
	for _, ch := range changes {
		switch ch.Action {
		case domain.ActionCreate:
			result.Created++
			u.pc.storeSnapshot(ch.Key, ch.After)
		case domain.ActionUpdate:
			result.Updated++
			u.pc.storeSnapshot(ch.Key, ch.After)
		case domain.ActionDelete:
			result.Deleted++
			u.pc.RemoveSnapshot(ch.Key)
		}
	}
	u.created = make(map[domain.EntityKey]any)
	u.removed = make(map[domain.EntityKey]struct{})
	u.logger.Info("flush applied", "uow_id", u.id, "created", result.Created, "updated", result.Updated, "deleted", result.Deleted)
	return result, nil
}

func (u *UnitOfWork) collect() ([]domain.Change, error) {
	var changes []domain.Change
	for key, entity := range u.created {
		fields, err := u.pc.introspector.FieldValuesOf(entity)
		if err != nil {
			return nil, &domain.RecordError{Key: key, Op: "flush", Err: err}
		}
		changes = append(changes, domain.Change{Key: key, Action: domain.ActionCreate, After: domain.NewEntitySnapshot(fields)})
	}
	for _, key := range u.pc.Keys() {
		if _, pending := u.created[key]; pending {
			continue
		}
		before, ok := u.pc.GetCachedDatabaseSnapshot(key)
		if !ok {
			continue
		}
		entity, ok := u.pc.GetEntity(key)
		if !ok {
			continue
		}
		fields, err := u.pc.introspector.FieldValuesOf(entity)
		if err != nil {
			return nil, &domain.RecordError{Key: key, Op: "flush", Err: err}
		}
		after := domain.NewEntitySnapshot(fields)
		if changed := before.Diff(after); len(changed) > 0 {
			changes = append(changes, domain.Change{Key: key, Action: domain.ActionUpdate, Before: before, After: after, Changed: changed})
		}
	}
	for key := range u.removed {
		before, _ := u.pc.GetCachedDatabaseSnapshot(key)
		changes = append(changes, domain.Change{Key: key, Action: domain.ActionDelete, Before: before})
	}
	return changes, nil
}

// Close discards the unit of work. Later calls other than Close fail with
// domain.ErrClosed.
func (u *UnitOfWork) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	u.created = make(map[domain.EntityKey]any)
	u.removed = make(map[domain.EntityKey]struct{})
	u.logger.Debug("unit of work closed", "uow_id", u.id, "context_id", u.pc.ID())
	return nil
}

// lockOpen acquires u.mu and keeps it only when the unit of work is open.
// Callers that mutate the pending maps check closed in the same critical
// section they write in.
func (u *UnitOfWork) lockOpen() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return domain.ErrClosed
	}
	return nil
}

func (u *UnitOfWork) ensureOpen() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return domain.ErrClosed
	}
	return nil
}

// begin starts a span for op and returns the function that ends it and
// records the outcome.
func (u *UnitOfWork) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := u.clock.Now()
	ctx, span := u.tracer.Start(ctx, op)
	return ctx, func(err error) {
		span.End(err)
		u.metrics.Observe(ctx, op, err == nil, u.clock.Now().Sub(start))
	}
}

func loadKey(key domain.EntityKey) string {
	return fmt.Sprintf("%s\x00%T\x00%v", key.Type, key.ID, key.ID)
}

func sameInstance(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() || !va.Comparable() {
		return false
	}
	return a == b
}
