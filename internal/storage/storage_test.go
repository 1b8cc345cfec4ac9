package storage

import (
	"context"
	"path/filepath"
	"testing"

	"refcore/internal/infra/persistence/memory"
	"refcore/internal/infra/persistence/sqlite"
	"refcore/pkg/document"
)

func TestOpenMemory(t *testing.T) {
	t.Setenv("REFCORE_STORAGE_DRIVER", "memory")
	db, err := Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, ok := db.(*memory.Database); !ok {
		t.Fatalf("db = %T", db)
	}
}

func TestOpenSQLiteDefault(t *testing.T) {
	t.Setenv("REFCORE_STORAGE_DRIVER", "")
	t.Setenv("REFCORE_SQLITE_PATH", filepath.Join(t.TempDir(), "refcore.db"))
	db, err := Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, ok := db.(*sqlite.Store); !ok {
		t.Fatalf("db = %T", db)
	}
	if err := db.Collection(document.CollectionOTUs).Insert(context.Background(),
		document.Doc{"_id": "foobar"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Setenv("REFCORE_STORAGE_DRIVER", "dynamo")
	if _, err := Open(); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
