package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "key", "value2"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value2" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreDeleteRange(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "nested", "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	keys := []string{
		"ops:audit:0000000000000000100:1",
		"ops:audit:0000000000000000200:1",
		"ops:audit:0000000000000000300:1",
		"action:abc",
	}
	for _, key := range keys {
		if err := store.Set(ctx, key, "{}"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	n, err := store.DeleteRange(ctx, "ops:audit:", "ops:audit:0000000000000000250")
	if err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", n)
	}
	if _, ok, _ := store.Get(ctx, keys[2]); !ok {
		t.Fatalf("expected newest audit key to survive")
	}
	if _, ok, _ := store.Get(ctx, "action:abc"); !ok {
		t.Fatalf("expected action key to survive")
	}
}
