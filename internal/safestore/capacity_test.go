package safestore

import (
	"strings"
	"testing"

	"walletsync/internal/storage"
)

func setupLimitedStore(t *testing.T, quota int64) (*Store, *storage.Limited) {
	limited, err := storage.WithQuota(storage.NewMemory(), quota)
	if err != nil {
		t.Fatalf("WithQuota failed: %v", err)
	}
	clock := newFakeClock()
	return New(limited, Options{Now: clock.Now}), limited
}

func TestUsage(t *testing.T) {
	mem := storage.NewMemory()
	mem.Set("unrelated", strings.Repeat("x", 500))
	store := New(mem, Options{Ceiling: 1000})

	store.Set("k", "abc") // mp_k + "abc" quoted = 4 + 5
	usage := store.Usage()

	meta, _, _ := mem.Get("mp_" + LRUMetadataKey)
	expected := int64(9 + len("mp_"+LRUMetadataKey) + len(meta))
	if usage.Bytes != expected {
		t.Errorf("Expected %d bytes, got %d", expected, usage.Bytes)
	}
	if usage.Ceiling != 1000 {
		t.Errorf("Expected ceiling 1000, got %d", usage.Ceiling)
	}
	if usage.Ratio != float64(expected)/1000 {
		t.Errorf("Unexpected ratio %v", usage.Ratio)
	}
	if store.NearCapacity() {
		t.Error("Store should not be near capacity")
	}

	store.Set("big", strings.Repeat("y", 900))
	if !store.NearCapacity() {
		t.Error("Store should be near capacity above 80%")
	}
}

func TestIsProtected(t *testing.T) {
	store := New(storage.NewMemory(), Options{ProtectedKeys: []string{"session_user"}})

	tests := []struct {
		key      string
		expected bool
	}{
		{key: "wallet_buyers", expected: true},
		{key: "wallet_buyer_alice", expected: true},
		{key: "auth_token", expected: true},
		{key: "critical_flags", expected: true},
		{key: LRUMetadataKey, expected: true},
		{key: "session_user", expected: true},
		{key: "panty_read_threads_alice", expected: false},
		{key: "search_cache", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := store.IsProtected(tt.key); got != tt.expected {
				t.Errorf("IsProtected(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestQuotaExceededEvictsLeastRecentlyUsed(t *testing.T) {
	store, _ := setupLimitedStore(t, 4000)
	payload := strings.Repeat("x", 1000)

	if !store.Set("wallet_bob", payload) {
		t.Fatal("Set wallet_bob failed")
	}
	if !store.Set("cache_a", payload) {
		t.Fatal("Set cache_a failed")
	}
	if !store.Set("cache_b", payload) {
		t.Fatal("Set cache_b failed")
	}

	// Reading cache_a makes cache_b the least recently used
	if !store.Has("cache_a") {
		t.Fatal("cache_a should exist")
	}

	if !store.Set("cache_c", payload) {
		t.Fatal("Set cache_c should succeed after eviction")
	}

	if store.Has("cache_b") {
		t.Error("cache_b should have been evicted")
	}
	for _, k := range []string{"wallet_bob", "cache_a", "cache_c"} {
		if !store.Has(k) {
			t.Errorf("Expected %s to survive eviction", k)
		}
	}
}

func TestEvictionNeverRemovesProtectedKeys(t *testing.T) {
	store, _ := setupLimitedStore(t, 3000)
	payload := strings.Repeat("x", 1000)

	store.Set("wallet_buyers", payload)
	store.Set("auth_token", payload)
	store.Set("scratch", "tiny")

	if store.Set("wallet_sellers", payload) {
		t.Fatal("Expected write to fail when only protected keys could make room")
	}

	for _, k := range []string{"wallet_buyers", "auth_token"} {
		if !store.Has(k) {
			t.Errorf("Protected key %s must never be evicted", k)
		}
	}
	if store.Has("scratch") {
		t.Error("Unprotected key should have been evicted in the attempt")
	}
}

func TestEvictReturnsRemovedKeys(t *testing.T) {
	store, _, _ := setupTestStore(t)
	store.Set("old", strings.Repeat("a", 100))
	store.Set("newer", strings.Repeat("b", 100))
	store.Set("wallet_admin", 5)

	removed := store.Evict(50)
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("Expected [old], got %v", removed)
	}

	removed = store.Evict(1 << 20)
	if len(removed) != 1 || removed[0] != "newer" {
		t.Errorf("Expected [newer], got %v", removed)
	}
	if !store.Has("wallet_admin") {
		t.Error("wallet_admin must survive")
	}
}
