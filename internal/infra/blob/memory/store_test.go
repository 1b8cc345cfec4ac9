package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"refcore/internal/blob/core"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()

	if store.Driver() != core.DriverMemory {
		t.Fatalf("driver = %q", store.Driver())
	}

	info, err := store.Put(ctx, "k1", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "k1" || info.Size != 5 {
		t.Fatalf("info = %+v", info)
	}

	rc, got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" || got.Size != 5 {
		t.Fatalf("data = %q info = %+v", data, got)
	}
}

func TestGetMissing(t *testing.T) {
	store := New()
	if _, _, err := store.Get(context.Background(), "absent"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	store := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store.nowFn = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}

	first, err := store.Put(ctx, "k", strings.NewReader("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Put(ctx, "k", strings.NewReader("second"))
	if err != nil {
		t.Fatal(err)
	}
	if !second.ModTime.After(first.ModTime) {
		t.Fatalf("mod times not advancing: %v then %v", first.ModTime, second.ModTime)
	}

	rc, info, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "second" || info.Size != 6 {
		t.Fatalf("data = %q info = %+v", data, info)
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	store := New()

	for _, key := range []string{"refs/b", "refs/a", "logs/x"} {
		if _, err := store.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := store.List(ctx, "refs/")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Key != "refs/a" || infos[1].Key != "refs/b" {
		t.Fatalf("list = %+v", infos)
	}

	if err := store.Delete(ctx, "refs/a"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Get(ctx, "refs/a"); !errors.Is(err, core.ErrNotExist) {
		t.Fatalf("get after delete err = %v", err)
	}

	// Deleting an absent key is not an error.
	if err := store.Delete(ctx, "never"); err != nil {
		t.Fatal(err)
	}
}
