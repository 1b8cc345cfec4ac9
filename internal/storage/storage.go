// Package storage selects a document database backend from the process
// environment.
package storage

import (
	"fmt"
	"os"

	"refcore/internal/infra/persistence/memory"
	"refcore/internal/infra/persistence/postgres"
	"refcore/internal/infra/persistence/sqlite"
	"refcore/pkg/document"
)

// Driver identifies a concrete persistent storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory only (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Open selects a backend using environment variables. Defaults to sqlite
// when unset.
//
//	REFCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	REFCORE_SQLITE_PATH: path to sqlite file (default ./refcore.db)
//	REFCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func Open() (document.Database, error) {
	driver := os.Getenv("REFCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(DriverSQLite)
	}
	switch Driver(driver) {
	case DriverMemory:
		return memory.NewDatabase(), nil
	case DriverSQLite:
		return sqlite.NewStore(os.Getenv("REFCORE_SQLITE_PATH"))
	case DriverPostgres:
		return postgres.NewStore(os.Getenv("REFCORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
