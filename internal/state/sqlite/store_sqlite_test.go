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
		t.Fatalf("overwrite failed: %v", err)
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

func TestStoreDeletePrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{"tx:c1:withdraw", "tx:c1:mint:1", "tx:c2:mint:1", "rebalance:last_snapshot"} {
		if err := store.Set(ctx, key, "x"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := store.DeletePrefix(ctx, "tx:c1:"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	for key, want := range map[string]bool{
		"tx:c1:withdraw":          false,
		"tx:c1:mint:1":            false,
		"tx:c2:mint:1":            true,
		"rebalance:last_snapshot": true,
	} {
		_, ok, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if ok != want {
			t.Fatalf("%s: expected present=%v, got %v", key, want, ok)
		}
	}
	if err := store.DeletePrefix(ctx, ""); err == nil {
		t.Fatalf("expected error for empty prefix")
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set(ctx, "rebalance:last_snapshot", `{"phase":"IDLE"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	val, ok, err := reopened.Get(ctx, "rebalance:last_snapshot")
	if err != nil || !ok || val != `{"phase":"IDLE"}` {
		t.Fatalf("unexpected value %q ok=%v err=%v", val, ok, err)
	}
}
