// Package sqlite provides a RecordStore persisted to a single SQLite table.
// The table is hydrated into an in-memory working set at open; every Apply
// writes the changed rows in one SQL transaction before updating the
// working set.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"persistctx/internal/infra/persistence/memory"
	"persistctx/internal/infra/persistence/rowcodec"
	"persistctx/pkg/domain"
)

var _ domain.RecordStore = (*Store)(nil)

const defaultPath = "persistctx.db"

// Store persists records to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		entity_key TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		id_kind TEXT NOT NULL,
		identifier TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_key, record_type, id_kind, identifier, payload FROM records`)
	if err != nil {
		return fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snapshot memory.Snapshot
	for rows.Next() {
		var row rowcodec.Row
		if err := rows.Scan(&row.EntityKey, &row.RecordType, &row.IDKind, &row.Identifier, &row.Payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		rec, err := rowcodec.Decode(row)
		if err != nil {
			return err
		}
		snapshot.Records = append(snapshot.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// Apply validates the batch, writes it to SQLite, then updates the working set.
func (s *Store) Apply(ctx context.Context, changes []domain.Change) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Check(changes); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, ch := range changes {
		if ch.Action == domain.ActionDelete {
			rowKey, err := rowcodec.RowKey(ch.Key)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE entity_key = ?`, rowKey); err != nil {
				return fmt.Errorf("delete %s: %w", ch.Key, err)
			}
			continue
		}
		row, err := rowcodec.Encode(ch.Key, ch.After.Fields())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO records(entity_key,record_type,id_kind,identifier,payload) VALUES(?,?,?,?,?) ON CONFLICT(entity_key) DO UPDATE SET payload=excluded.payload`,
			row.EntityKey, row.RecordType, row.IDKind, row.Identifier, row.Payload); err != nil {
			return fmt.Errorf("upsert %s: %w", ch.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return s.Store.Apply(ctx, changes)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
