package cache_test

import (
	"testing"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/infra/cache"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCache_SetAndGet(t *testing.T) {
	c := cache.New[string](5*time.Minute, 10)

	c.Set("key1", "value1", t0)
	val, ok := c.Get("key1", t0)
	if !ok {
		t.Fatal("expected key to exist")
	}
	if val != "value1" {
		t.Errorf("expected 'value1', got '%s'", val)
	}
}

func TestCache_GetMiss(t *testing.T) {
	c := cache.New[string](5*time.Minute, 10)

	if _, ok := c.Get("nonexistent", t0); ok {
		t.Fatal("expected cache miss for nonexistent key")
	}
}

func TestCache_Expiration(t *testing.T) {
	c := cache.New[string](time.Minute, 10)

	c.Set("key1", "value1", t0)

	if _, ok := c.Get("key1", t0.Add(2*time.Minute)); ok {
		t.Fatal("expected cache entry to be expired")
	}
	if removed := c.Purge(t0.Add(2 * time.Minute)); removed != 1 {
		t.Errorf("expected 1 purged, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestCache_ReplaceKeepsInsertionTime(t *testing.T) {
	c := cache.New[string](time.Minute, 10)

	c.Set("key1", "v1", t0)
	c.Set("key1", "v2", t0.Add(50*time.Second))

	val, ok := c.Get("key1", t0.Add(55*time.Second))
	if !ok || val != "v2" {
		t.Fatalf("expected v2, got %q %v", val, ok)
	}
	if _, ok := c.Get("key1", t0.Add(61*time.Second)); ok {
		t.Error("TTL should count from first insertion")
	}
}

func TestCache_CapacityEvictsOldest(t *testing.T) {
	c := cache.New[int](time.Hour, 2)

	c.Set("a", 1, t0)
	c.Set("b", 2, t0.Add(time.Second))
	evicted := c.Set("c", 3, t0.Add(2*time.Second))

	if evicted != "a" {
		t.Errorf("expected a evicted, got %q", evicted)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("a", t0); ok {
		t.Error("a should be gone")
	}
}

func TestCache_Delete_ReusesSlot(t *testing.T) {
	c := cache.New[int](time.Hour, 3)

	c.Set("a", 1, t0)
	c.Set("b", 2, t0.Add(time.Second))
	c.Delete("a")
	c.Delete("missing")
	c.Set("c", 3, t0.Add(2*time.Second))

	got := c.Values(t0.Add(3 * time.Second))
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("expected [2 3], got %v", got)
	}
}
