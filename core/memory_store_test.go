package core

import (
	"context"
	"testing"
	"time"
)

func TestMemoryConditionalStore_PutIfAbsentReturnsExisting(t *testing.T) {
	store := NewMemoryConditionalStore()
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	result, err := store.PutIfAbsent(context.Background(), "k", []byte("first"), time.Minute)
	if err != nil {
		t.Fatalf("put first: %v", err)
	}
	if !result.Inserted() {
		t.Fatalf("expected insert")
	}

	result, err = store.PutIfAbsent(context.Background(), "k", []byte("second"), time.Minute)
	if err != nil {
		t.Fatalf("put second: %v", err)
	}
	if result.Outcome != PutExisting {
		t.Fatalf("expected existing outcome, got %q", result.Outcome)
	}
	if string(result.Existing.Value) != "first" {
		t.Fatalf("expected existing value first, got %q", result.Existing.Value)
	}
	if !result.Existing.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", result.Existing.ExpiresAt)
	}
}

func TestMemoryConditionalStore_ExpiredEntriesAreInvisible(t *testing.T) {
	store := NewMemoryConditionalStore()
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	if _, err := store.PutIfAbsent(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	now = now.Add(time.Minute)

	if _, found, err := store.Get(context.Background(), "k"); err != nil || found {
		t.Fatalf("expected expired entry hidden, found=%v err=%v", found, err)
	}
	if swapped, err := store.CompareAndSwap(context.Background(), "k", []byte("v"), []byte("w"), time.Minute); err != nil || swapped {
		t.Fatalf("expected no swap on expired entry, swapped=%v err=%v", swapped, err)
	}
	result, err := store.PutIfAbsent(context.Background(), "k", []byte("new"), time.Minute)
	if err != nil {
		t.Fatalf("put after expiry: %v", err)
	}
	if !result.Inserted() {
		t.Fatalf("expected insert after expiry")
	}
}

func TestMemoryConditionalStore_CompareAndSwap(t *testing.T) {
	store := NewMemoryConditionalStore()
	ctx := context.Background()

	if _, err := store.PutIfAbsent(ctx, "k", []byte("a"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if swapped, err := store.CompareAndSwap(ctx, "k", []byte("stale"), []byte("b"), time.Minute); err != nil || swapped {
		t.Fatalf("expected stale swap rejected, swapped=%v err=%v", swapped, err)
	}
	if swapped, err := store.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"), time.Minute); err != nil || !swapped {
		t.Fatalf("expected swap, swapped=%v err=%v", swapped, err)
	}
	entry, found, err := store.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(entry.Value) != "b" {
		t.Fatalf("expected swapped value b, got %q", entry.Value)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Fatalf("expected deleted entry to be gone")
	}
}

func TestMemoryConditionalStore_FullStoreNeverEvictsLiveEntries(t *testing.T) {
	store := NewMemoryConditionalStoreWithLimit(2)
	now := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := store.PutIfAbsent(ctx, "short", []byte("1"), time.Second); err != nil {
		t.Fatalf("put short: %v", err)
	}
	if _, err := store.PutIfAbsent(ctx, "long", []byte("2"), time.Hour); err != nil {
		t.Fatalf("put long: %v", err)
	}
	if _, err := store.PutIfAbsent(ctx, "third", []byte("3"), time.Hour); err == nil {
		t.Fatalf("expected full store error while entries are live")
	}

	now = now.Add(2 * time.Second)
	if _, err := store.PutIfAbsent(ctx, "third", []byte("3"), time.Hour); err != nil {
		t.Fatalf("expected expired entry to make room: %v", err)
	}
	if _, found, _ := store.Get(ctx, "long"); !found {
		t.Fatalf("expected live entry to survive eviction")
	}
}

func TestMemoryConditionalStore_RejectsInvalidInput(t *testing.T) {
	store := NewMemoryConditionalStore()
	if _, err := store.PutIfAbsent(context.Background(), " ", []byte("v"), time.Minute); err == nil {
		t.Fatalf("expected blank key error")
	}
	if _, err := store.PutIfAbsent(context.Background(), "k", []byte("v"), 0); err == nil {
		t.Fatalf("expected non-positive ttl error")
	}
	var nilStore *MemoryConditionalStore
	if _, err := nilStore.PutIfAbsent(context.Background(), "k", nil, time.Minute); err == nil {
		t.Fatalf("expected nil store error")
	}
}
