package fs

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"refcore/internal/blob/core"
)

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	info, err := store.Put(ctx, "references/hxn167/indexes/idx1.json", strings.NewReader(`{"otus":[]}`))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(`{"otus":[]}`)) {
		t.Fatalf("size = %d", info.Size)
	}

	rc, got, err := store.Get(ctx, "references/hxn167/indexes/idx1.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(data) != `{"otus":[]}` {
		t.Fatalf("data = %q, %v", data, err)
	}
	if got.Size != info.Size {
		t.Fatalf("info size mismatch: %d vs %d", got.Size, info.Size)
	}

	if err := store.Delete(ctx, "references/hxn167/indexes/idx1.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get(ctx, "references/hxn167/indexes/idx1.json"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("get after delete err = %v", err)
	}

	// Deleting again is fine.
	if err := store.Delete(ctx, "references/hxn167/indexes/idx1.json"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"", "  ", "../outside", "a/../../b", "/etc/passwd"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"refs/b.json", "refs/a.json", "other/c.json"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := store.List(ctx, "refs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 || infos[0].Key != "refs/a.json" || infos[1].Key != "refs/b.json" {
		t.Fatalf("list = %+v", infos)
	}

	all, err := store.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("full list = %+v, %v", all, err)
	}
}
