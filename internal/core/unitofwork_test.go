package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"persistctx/internal/infra/persistence/memory"
	"persistctx/internal/introspect"
	"persistctx/pkg/domain"
)

const memberType domain.RecordType = "member"

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	err := store.Apply(context.Background(), []domain.Change{
		{Key: domain.NewEntityKey("m-1", memberType), Action: domain.ActionCreate, After: domain.NewEntitySnapshot(map[string]any{"key": "m-1", "email": "kim@example.com", "age": 30})},
		{Key: domain.NewEntityKey("m-2", memberType), Action: domain.ActionCreate, After: domain.NewEntitySnapshot(map[string]any{"key": "m-2", "email": "lee@example.com", "age": 41})},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func memberFactories() map[domain.RecordType]domain.EntityFactory {
	return map[domain.RecordType]domain.EntityFactory{memberType: introspect.Factory[Member]()}
}

func TestUnitOfWorkFindLoadsOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RecordStore: seededStore(t)}
	uow := NewUnitOfWork(store, memberFactories())

	first, err := uow.Find(ctx, domain.NewEntityKey("m-1", memberType))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	m, ok := first.(*Member)
	if !ok || m.Email != "kim@example.com" || m.Age != 30 {
		t.Fatalf("unexpected entity %#v", first)
	}
	again, _ := uow.Find(ctx, domain.NewEntityKey("m-1", memberType))
	if again != first {
		t.Fatalf("expected identity map hit to return the same instance")
	}
	if store.loadCount() != 1 {
		t.Fatalf("expected one store load, got %d", store.loadCount())
	}
	if _, ok := uow.Context().GetCachedDatabaseSnapshot(domain.NewEntityKey("m-1", memberType)); !ok {
		t.Fatalf("expected snapshot captured on load")
	}
}

func TestUnitOfWorkConcurrentFindSharesInstance(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RecordStore: seededStore(t), gate: make(chan struct{})}
	uow := NewUnitOfWork(store, memberFactories())
	key := domain.NewEntityKey("m-2", memberType)

	const n = 16
	results := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = uow.Find(ctx, key)
		}(i)
	}
	close(store.gate)
	wg.Wait()
	for i := 1; i < n; i++ {
		if results[i] == nil || results[i] != results[0] {
			t.Fatalf("expected one shared instance, got %v and %v", results[0], results[i])
		}
	}
	if uow.Context().Len() != 1 {
		t.Fatalf("expected one tracked entity")
	}
}

func TestUnitOfWorkFindErrors(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork(seededStore(t), memberFactories())
	if _, err := uow.Find(ctx, domain.NewEntityKey("missing", memberType)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := uow.Find(ctx, domain.NewEntityKey(1, "unknown")); !errors.Is(err, domain.ErrUnsupportedRecord) {
		t.Fatalf("expected ErrUnsupportedRecord, got %v", err)
	}
	if _, err := uow.Find(ctx, domain.NewEntityKey([]string{"x"}, memberType)); !errors.Is(err, domain.ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}

	wrongType := map[domain.RecordType]domain.EntityFactory{memberType: introspect.Factory[TestEntity]()}
	uow = NewUnitOfWork(seededStore(t), wrongType)
	var recErr *domain.RecordError
	if _, err := uow.Find(ctx, domain.NewEntityKey("m-1", memberType)); !errors.As(err, &recErr) || recErr.Op != "build" {
		t.Fatalf("expected build error for mismatched factory, got %v", err)
	}
}

func TestUnitOfWorkFindAll(t *testing.T) {
	uow := NewUnitOfWork(seededStore(t), memberFactories())
	keys := []domain.EntityKey{domain.NewEntityKey("m-2", memberType), domain.NewEntityKey("m-1", memberType)}
	found, err := uow.FindAll(context.Background(), keys)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if found[0].(*Member).Key != "m-2" || found[1].(*Member).Key != "m-1" {
		t.Fatalf("expected results in key order, got %v", found)
	}
	if _, err := uow.FindAll(context.Background(), append(keys, domain.NewEntityKey("nope", memberType))); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from batch, got %v", err)
	}
}

func TestUnitOfWorkFlushWritesChanges(t *testing.T) {
	ctx := context.Background()
	backing := seededStore(t)
	store := &countingStore{RecordStore: backing}
	metrics := &captureMetricsRecorder{}
	tracer := newCaptureTracer()
	uow := NewUnitOfWork(store, memberFactories(), WithMetricsRecorder(metrics), WithTracer(tracer))

	loaded, _ := uow.Find(ctx, domain.NewEntityKey("m-1", memberType))
	m1 := loaded.(*Member)
	m1.Email = "kim@new.example.com"
	if dirty, err := uow.DirtyFields(m1); err != nil || len(dirty) != 1 || dirty[0] != "email" {
		t.Fatalf("expected email dirty, got %v err=%v", dirty, err)
	}

	loaded, _ = uow.Find(ctx, domain.NewEntityKey("m-2", memberType))
	if err := uow.Remove(ctx, loaded); err != nil {
		t.Fatalf("remove: %v", err)
	}
	newcomer := &Member{Key: "m-3", Email: "park@example.com", Age: 22}
	if err := uow.Persist(newcomer); err != nil {
		t.Fatalf("persist: %v", err)
	}

	result, err := uow.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if result.Created != 1 || result.Updated != 1 || result.Deleted != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(store.applied) != 1 {
		t.Fatalf("expected a single Apply call, got %d", len(store.applied))
	}
	order := []string{"member#m-1", "member#m-2", "member#m-3"}
	for i, ch := range result.Changes {
		if ch.Key.String() != order[i] {
			t.Fatalf("expected changes ordered by key, got %v", result.Changes)
		}
	}
	if upd := result.Changes[0]; upd.Action != domain.ActionUpdate || len(upd.Changed) != 1 || upd.Changed[0] != "email" {
		t.Fatalf("unexpected update change %+v", upd)
	}

	fields, ok, _ := backing.Load(ctx, domain.NewEntityKey("m-1", memberType))
	if !ok || fields["email"] != "kim@new.example.com" {
		t.Fatalf("expected update persisted, got %v", fields)
	}
	if _, ok, _ := backing.Load(ctx, domain.NewEntityKey("m-2", memberType)); ok {
		t.Fatalf("expected delete persisted")
	}
	if _, ok, _ := backing.Load(ctx, domain.NewEntityKey("m-3", memberType)); !ok {
		t.Fatalf("expected insert persisted")
	}

	pc := uow.Context()
	if _, ok := pc.GetCachedDatabaseSnapshot(domain.NewEntityKey("m-2", memberType)); ok {
		t.Fatalf("expected deleted snapshot dropped after flush")
	}
	if _, ok := pc.GetCachedDatabaseSnapshot(domain.NewEntityKey("m-3", memberType)); !ok {
		t.Fatalf("expected snapshot for inserted entity")
	}
	if dirty, _ := uow.DirtyFields(m1); len(dirty) != 0 {
		t.Fatalf("expected clean entity after flush, got %v", dirty)
	}
	again, err := uow.Flush(ctx)
	if err != nil || len(again.Changes) != 0 || len(store.applied) != 1 {
		t.Fatalf("expected empty second flush, got %+v err=%v", again, err)
	}
	if !metrics.has("uow.flush", true) || !metrics.has("uow.persist", true) || tracer.count("uow.find") != 2 {
		t.Fatalf("expected flush/persist metrics and find spans")
	}
}

func TestUnitOfWorkRemoveKeepsSnapshotUntilFlush(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork(seededStore(t), memberFactories())
	key := domain.NewEntityKey("m-1", memberType)
	loaded, _ := uow.Find(ctx, key)
	_ = uow.Remove(ctx, loaded)
	if _, ok := uow.Context().GetCachedDatabaseSnapshot(key); !ok {
		t.Fatalf("expected snapshot kept until flush")
	}
	if _, err := uow.Find(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected removed entity to be hidden, got %v", err)
	}
	if err := uow.Persist(loaded); err != nil {
		t.Fatalf("re-persist: %v", err)
	}
	result, err := uow.Flush(ctx)
	if err != nil || len(result.Changes) != 0 {
		t.Fatalf("expected cancelled removal to write nothing, got %+v err=%v", result, err)
	}
}

func TestUnitOfWorkRemoveUntracked(t *testing.T) {
	uow := NewUnitOfWork(seededStore(t), memberFactories())
	err := uow.Remove(context.Background(), &Member{Key: "m-1"})
	if !errors.Is(err, domain.ErrIllegalState) || err.Error() != domain.NotPersistedMessage {
		t.Fatalf("expected not persisted error, got %v", err)
	}
	if _, err := uow.DirtyFields(&Member{Key: "m-9"}); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("expected dirty check on unloaded entity to fail, got %v", err)
	}
}

func TestUnitOfWorkPersistThenRemoveWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RecordStore: memory.NewStore()}
	uow := NewUnitOfWork(store, memberFactories())
	m := &Member{Key: "tmp"}
	_ = uow.Persist(m)
	if err := uow.Persist(m); err != nil {
		t.Fatalf("persisting the same instance twice: %v", err)
	}
	if err := uow.Persist(&Member{Key: "tmp"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a second instance, got %v", err)
	}
	_ = uow.Remove(ctx, m)
	if result, err := uow.Flush(ctx); err != nil || len(result.Changes) != 0 || len(store.applied) != 0 {
		t.Fatalf("expected nothing written, got %+v err=%v", result, err)
	}
}

func TestUnitOfWorkFlushFailureKeepsPendingWork(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{RecordStore: memory.NewStore(), applyErr: errors.New("disk full")}
	logger := &captureLogger{}
	uow := NewUnitOfWork(store, memberFactories(), WithLogger(logger))
	_ = uow.Persist(&Member{Key: "a"})
	if _, err := uow.Flush(ctx); err == nil {
		t.Fatalf("expected flush error")
	}
	if !logger.has("error", "flush failed") {
		t.Fatalf("expected flush failure logged")
	}
	if _, ok := uow.Context().GetCachedDatabaseSnapshot(domain.NewEntityKey("a", memberType)); ok {
		t.Fatalf("failed flush must not capture snapshots")
	}
	store.applyErr = nil
	result, err := uow.Flush(ctx)
	if err != nil || result.Created != 1 {
		t.Fatalf("expected retry to write pending insert, got %+v err=%v", result, err)
	}
}

func TestUnitOfWorkClose(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork(seededStore(t), memberFactories())
	if uow.ID() == "" {
		t.Fatalf("expected unit of work id")
	}
	if err := uow.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := uow.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := uow.Find(ctx, domain.NewEntityKey("m-1", memberType)); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed from Find, got %v", err)
	}
	if err := uow.Persist(&Member{Key: "x"}); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed from Persist, got %v", err)
	}
	if _, err := uow.Flush(ctx); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed from Flush, got %v", err)
	}
}

func TestUnitOfWorkFlushDetectsNestedChange(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork(memory.NewStore(), nil)
	h := &Household{ID: "h-1", Address: Address{Lines: []string{"1 Main St"}}, Billing: &Address{Lines: []string{"PO Box 9"}}}
	if err := uow.Persist(h); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if result, err := uow.Flush(ctx); err != nil || result.Created != 1 {
		t.Fatalf("expected insert, got %+v err=%v", result, err)
	}

	h.Address.Lines[0] = "2 Side St"
	if dirty, err := uow.DirtyFields(h); err != nil || len(dirty) != 1 || dirty[0] != "address" {
		t.Fatalf("expected address dirty, got %v err=%v", dirty, err)
	}
	result, err := uow.Flush(ctx)
	if err != nil || result.Updated != 1 || result.Changes[0].Changed[0] != "address" {
		t.Fatalf("expected nested change flushed, got %+v err=%v", result, err)
	}

	h.Billing.Lines[0] = "PO Box 10"
	result, err = uow.Flush(ctx)
	if err != nil || result.Updated != 1 || result.Changes[0].Changed[0] != "billing" {
		t.Fatalf("expected pointer field change flushed, got %+v err=%v", result, err)
	}
	if again, _ := uow.Flush(ctx); len(again.Changes) != 0 {
		t.Fatalf("expected clean entity after flush, got %+v", again)
	}
}

func TestUnitOfWorkRemoveFallsBackToInstance(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork(seededStore(t), memberFactories())
	key := domain.NewEntityKey("m-1", memberType)
	loaded, _ := uow.Find(ctx, key)
	m := loaded.(*Member)
	m.Key = "renamed"
	if err := uow.Remove(ctx, m); err != nil {
		t.Fatalf("remove: %v", err)
	}
	result, err := uow.Flush(ctx)
	if err != nil || result.Deleted != 1 || result.Changes[0].Key != key {
		t.Fatalf("expected delete scheduled for the tracked key, got %+v err=%v", result, err)
	}
}

func TestUnitOfWorkCloseDuringKeyExtraction(t *testing.T) {
	ctx := context.Background()

	in := &closingIntrospector{RecordIntrospector: introspect.New()}
	uow := NewUnitOfWork(seededStore(t), memberFactories(), WithIntrospector(in))
	in.uow = uow
	if err := uow.Persist(&Member{Key: "m-9"}); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed from Persist, got %v", err)
	}

	in = &closingIntrospector{RecordIntrospector: introspect.New()}
	uow = NewUnitOfWork(seededStore(t), memberFactories(), WithIntrospector(in))
	loaded, err := uow.Find(ctx, domain.NewEntityKey("m-1", memberType))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	in.uow = uow
	if err := uow.Remove(ctx, loaded); !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("expected ErrClosed from Remove, got %v", err)
	}
}

func TestUnitOfWorkCloseRacesMutations(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		uow := NewUnitOfWork(memory.NewStore(), memberFactories())
		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for w := 0; w < 4; w++ {
			w := w
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 8; i++ {
					m := &Member{Key: fmt.Sprintf("w%d-%d", w, i)}
					if err := uow.Persist(m); err != nil && !errors.Is(err, domain.ErrClosed) {
						errs <- err
						return
					}
					err := uow.Remove(ctx, m)
					if err != nil && !errors.Is(err, domain.ErrClosed) && !errors.Is(err, domain.ErrIllegalState) {
						errs <- err
						return
					}
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = uow.Close()
		}()
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("unexpected error racing Close: %v", err)
		}
		if _, err := uow.Flush(ctx); !errors.Is(err, domain.ErrClosed) {
			t.Fatalf("expected ErrClosed after close, got %v", err)
		}
	}
}
