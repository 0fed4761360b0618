package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"persistctx/internal/infra/persistence/memory"
	"persistctx/internal/infra/persistence/postgres"
	"persistctx/internal/infra/persistence/sqlite"
	"persistctx/pkg/domain"
)

// StorageDriver identifies a concrete record store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenRecordStore selects a backend using environment variables.
// Defaults to memory when unset.
//
//	PERSISTCTX_STORAGE_DRIVER: memory|sqlite|postgres (default memory)
//	PERSISTCTX_SQLITE_PATH: path to sqlite file (default ./persistctx.db)
//	PERSISTCTX_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenRecordStore(ctx context.Context) (domain.RecordStore, error) {
	driver := os.Getenv("PERSISTCTX_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageMemory)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		store, err := sqlite.NewStore(os.Getenv("PERSISTCTX_SQLITE_PATH"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(ctx, os.Getenv("PERSISTCTX_POSTGRES_DSN"))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// CloseRecordStore releases the store's resources when it holds any.
func CloseRecordStore(store domain.RecordStore) error {
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
