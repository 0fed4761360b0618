// Package postgres provides a Postgres-backed RecordStore that keeps the
// in-memory semantics of the memory backend and writes each applied batch to
// the records table in one transaction.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"persistctx/internal/infra/persistence/memory"
	"persistctx/internal/infra/persistence/rowcodec"
	"persistctx/pkg/domain"
)

var _ domain.RecordStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/persistctx?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists records to Postgres.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a store using dsn (falls back to defaultDSN), ensures the
// records table exists and hydrates the working set from it.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureRecordsTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

func ensureRecordsTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS records (
		entity_key TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		id_kind TEXT NOT NULL,
		identifier TEXT NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure records table: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT entity_key, record_type, id_kind, identifier, payload FROM records`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snapshot memory.Snapshot
	for rows.Next() {
		var row rowcodec.Row
		if err := rows.Scan(&row.EntityKey, &row.RecordType, &row.IDKind, &row.Identifier, &row.Payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan records: %w", err)
		}
		rec, err := rowcodec.Decode(row)
		if err != nil {
			return memory.Snapshot{}, err
		}
		snapshot.Records = append(snapshot.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate records: %w", err)
	}
	return snapshot, nil
}

// Apply validates the batch, writes it to Postgres, then updates the working set.
func (s *Store) Apply(ctx context.Context, changes []domain.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Check(changes); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, ch := range changes {
		if ch.Action == domain.ActionDelete {
			rowKey, err := rowcodec.RowKey(ch.Key)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity_key = $1`, rowKey); err != nil {
				return fmt.Errorf("delete %s: %w", ch.Key, err)
			}
			continue
		}
		row, err := rowcodec.Encode(ch.Key, ch.After.Fields())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO records(entity_key,record_type,id_kind,identifier,payload) VALUES($1,$2,$3,$4,$5) ON CONFLICT(entity_key) DO UPDATE SET payload=EXCLUDED.payload`,
			row.EntityKey, row.RecordType, row.IDKind, row.Identifier, row.Payload); err != nil {
			return fmt.Errorf("upsert %s: %w", ch.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return s.Store.Apply(ctx, changes)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
