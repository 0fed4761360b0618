// Package blob re-exports the blob storage contract and selects a backend
// from the environment.
package blob

import (
	"context"
	"fmt"
	"os"

	"persistctx/internal/blob/core"
	"persistctx/internal/infra/blob/fs"
	memorystore "persistctx/internal/infra/blob/memory"
	infraS3 "persistctx/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = core.ErrNotFound

// NewMemory returns an in-memory Store.
func NewMemory() Store { return memorystore.New() }

// NewFilesystem returns a Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	store, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewS3 returns an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	store, err := infraS3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Open selects a Store using environment variables.
//
//	PERSISTCTX_BLOB_DRIVER: fs|s3|memory (default fs)
//	PERSISTCTX_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	(S3 variables are documented in internal/infra/blob/s3)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("PERSISTCTX_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("PERSISTCTX_BLOB_FS_ROOT"))
	case DriverS3:
		store, err := infraS3.OpenFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
