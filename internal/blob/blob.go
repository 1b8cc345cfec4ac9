// Package blob re-exports the blob storage contract and selects a backend
// driver from the process environment. Index builds write their artifacts
// through this interface.
package blob

import (
	"context"
	"fmt"
	"os"

	"refcore/internal/blob/core"
	"refcore/internal/infra/blob/fs"
	"refcore/internal/infra/blob/memory"
	"refcore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

// ErrNotExist indicates the requested key is absent.
var ErrNotExist = core.ErrNotExist

// NewFilesystem constructs a filesystem-backed Store rooted at the provided
// path. Call sites should depend on the interface, not the concrete type.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory constructs an in-memory Store for tests and ephemeral use.
func NewMemory() Store {
	return memory.New()
}

// OpenFromEnv selects a backend using environment variables. Defaults to
// filesystem when unset.
//
//	REFCORE_BLOB_DRIVER: filesystem|s3|memory (default filesystem)
//	REFCORE_BLOB_FS_ROOT: filesystem root (default ./blobdata)
//	REFCORE_BLOB_S3_*: see the s3 driver
func OpenFromEnv(ctx context.Context) (Store, error) {
	driver := os.Getenv("REFCORE_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return fs.New(os.Getenv("REFCORE_BLOB_FS_ROOT"))
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
