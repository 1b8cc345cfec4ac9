package blob

import (
	"context"
	"testing"
)

func TestNewFilesystem(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver = %q", store.Driver())
	}
}

func TestOpenFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Setenv("REFCORE_BLOB_DRIVER", "memory")
	store, err := OpenFromEnv(ctx)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("driver = %q", store.Driver())
	}

	t.Setenv("REFCORE_BLOB_DRIVER", "filesystem")
	t.Setenv("REFCORE_BLOB_FS_ROOT", t.TempDir())
	store, err = OpenFromEnv(ctx)
	if err != nil {
		t.Fatalf("open filesystem: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver = %q", store.Driver())
	}

	t.Setenv("REFCORE_BLOB_DRIVER", "tape")
	if _, err := OpenFromEnv(ctx); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
