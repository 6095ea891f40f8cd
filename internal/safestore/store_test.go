package safestore

import (
	"strings"
	"sync"
	"testing"
	"time"

	"walletsync/internal/storage"
)

// fakeClock advances one millisecond per reading so LRU order is deterministic
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestStore(t *testing.T) (*Store, *storage.Memory, *fakeClock) {
	mem := storage.NewMemory()
	clock := newFakeClock()
	return New(mem, Options{Now: clock.Now}), mem, clock
}

func TestSetGet(t *testing.T) {
	store, mem, _ := setupTestStore(t)

	if !store.Set("wallet_buyers", map[string]float64{"alice": 100}) {
		t.Fatal("Set failed")
	}

	got := Get(store, "wallet_buyers", map[string]float64{})
	if got["alice"] != 100 {
		t.Errorf("Expected alice=100, got %v", got)
	}

	// Physical key carries the namespace prefix
	if _, ok, _ := mem.Get("mp_wallet_buyers"); !ok {
		t.Error("Expected namespaced physical key mp_wallet_buyers")
	}
	if !store.Has("wallet_buyers") {
		t.Error("Expected Has to report true")
	}
}

func TestGetDefaults(t *testing.T) {
	store, mem, _ := setupTestStore(t)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "invalid json", raw: `{"alice":`},
		{name: "wrong type", raw: `"not a number"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem.Set("mp_balance", tt.raw)
			if got := Get(store, "balance", 42.0); got != 42.0 {
				t.Errorf("Expected default 42, got %v", got)
			}
		})
	}

	if got := Get(store, "missing", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback for missing key, got %q", got)
	}
}

func TestNullReadsAsAbsent(t *testing.T) {
	store, mem, _ := setupTestStore(t)

	tests := []struct {
		name string
		raw  string
	}{
		{name: "bare null", raw: `null`},
		{name: "padded null", raw: ` null `},
		{name: "null inside envelope", raw: `{"__expires":99999999999999,"value":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem.Set("mp_k", tt.raw)
			got := Get(store, "k", []string{"def"})
			if len(got) != 1 || got[0] != "def" {
				t.Errorf("Expected default [def], got %#v", got)
			}
			if _, ok := store.Raw("k"); ok {
				t.Error("Expected Raw to report null as absent")
			}
		})
	}
}

func TestTTL(t *testing.T) {
	store, mem, clock := setupTestStore(t)

	if !store.Set("session", "token-1", WithTTL(time.Minute)) {
		t.Fatal("Set with TTL failed")
	}
	if got := Get(store, "session", ""); got != "token-1" {
		t.Errorf("Expected token-1 before expiry, got %q", got)
	}

	clock.Advance(2 * time.Minute)
	if got := Get(store, "session", "expired"); got != "expired" {
		t.Errorf("Expected default after expiry, got %q", got)
	}
	if _, ok, _ := mem.Get("mp_session"); ok {
		t.Error("Expired entry should be removed from the backend")
	}
}

func TestRemoveAndKeys(t *testing.T) {
	store, mem, _ := setupTestStore(t)
	mem.Set("unrelated", "1")

	store.Set("a", 1)
	store.Set("b", 2)
	if !store.Remove("a") {
		t.Fatal("Remove failed")
	}

	keys := store.Keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Errorf("Expected [b], got %v", keys)
	}
	if store.Has("a") {
		t.Error("Removed key should not exist")
	}
}

func TestSetRejectsUnencodable(t *testing.T) {
	store, _, _ := setupTestStore(t)
	if store.Set("bad", make(chan int)) {
		t.Error("Expected Set to fail for a value json cannot encode")
	}
}

func TestLogical(t *testing.T) {
	store, _, _ := setupTestStore(t)

	if k, ok := store.Logical("mp_wallet_sellers"); !ok || k != "wallet_sellers" {
		t.Errorf("Logical(mp_wallet_sellers) = %q, %v", k, ok)
	}
	if _, ok := store.Logical("other_key"); ok {
		t.Error("Keys outside the namespace should not map")
	}
}

func TestLRUMetadataPersisted(t *testing.T) {
	store, mem, _ := setupTestStore(t)
	store.Set("cache_a", "x")

	raw, ok, _ := mem.Get("mp_" + LRUMetadataKey)
	if !ok {
		t.Fatal("Expected LRU metadata to be persisted")
	}
	if !strings.Contains(raw, `"cache_a"`) {
		t.Errorf("Expected cache_a in metadata, got %s", raw)
	}

	// A second store over the same backend picks the metadata up
	reopened := New(mem, Options{})
	if _, ok := reopened.lru["cache_a"]; !ok {
		t.Error("Expected reopened store to load LRU metadata")
	}
}
