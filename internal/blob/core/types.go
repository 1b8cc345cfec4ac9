// Package core defines the blob storage contract shared by the drivers.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a blob backend driver.
type Driver string

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem Driver = "filesystem"
	// DriverS3 is the S3-compatible driver.
	DriverS3 Driver = "s3"
	// DriverMemory is the in-memory test driver.
	DriverMemory Driver = "memory"
)

// ErrNotExist indicates the requested key is absent.
var ErrNotExist = errors.New("blob: key does not exist")

// Info describes stored blob metadata.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is the interface for blob storage backends.
type Store interface {
	Driver() Driver
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Info, error)
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns metadata for every key under the prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Info, error)
}
