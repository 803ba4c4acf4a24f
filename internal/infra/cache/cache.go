// Package cache provides a bounded in-memory TTL cache.
// Entries live in a fixed arena addressed through an index map; freed
// slots are reused. There is no background goroutine: callers Purge.
package cache

import (
	"sort"
	"sync"
	"time"
)

type slot[T any] struct {
	key     string
	value   T
	addedAt time.Time
	used    bool
}

// Bounded is a thread-safe cache holding at most capacity entries.
// When full, Set evicts the oldest entry.
type Bounded[T any] struct {
	mu       sync.RWMutex
	ttl      time.Duration
	capacity int
	arena    []slot[T]
	index    map[string]int
	free     []int
}

// New creates a cache with the given TTL and capacity.
func New[T any](ttl time.Duration, capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		ttl:      ttl,
		capacity: capacity,
		arena:    make([]slot[T], 0, min(capacity, 1024)),
		index:    make(map[string]int),
	}
}

// Get retrieves a value. Returns false if not found or expired at now.
func (c *Bounded[T]) Get(key string, now time.Time) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[key]
	if !ok || c.expired(c.arena[i], now) {
		var zero T
		return zero, false
	}
	return c.arena[i].value, true
}

// Set inserts or replaces a value. A replaced entry keeps its original
// insertion time so TTL counts from first sight. Returns the evicted key,
// if any.
func (c *Bounded[T]) Set(key string, value T, now time.Time) (evicted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[key]; ok {
		c.arena[i].value = value
		return ""
	}

	if len(c.index) >= c.capacity {
		evicted = c.oldestLocked()
		c.removeLocked(evicted)
	}

	s := slot[T]{key: key, value: value, addedAt: now, used: true}
	if n := len(c.free); n > 0 {
		i := c.free[n-1]
		c.free = c.free[:n-1]
		c.arena[i] = s
		c.index[key] = i
	} else {
		c.arena = append(c.arena, s)
		c.index[key] = len(c.arena) - 1
	}
	return evicted
}

// Delete removes a value.
func (c *Bounded[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Purge drops entries older than the TTL and returns how many it removed.
func (c *Bounded[T]) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for i := range c.arena {
		if c.arena[i].used && c.expired(c.arena[i], now) {
			c.removeLocked(c.arena[i].key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries, expired or not.
func (c *Bounded[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Values returns the unexpired values, oldest first.
func (c *Bounded[T]) Values(now time.Time) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	live := make([]slot[T], 0, len(c.index))
	for _, s := range c.arena {
		if s.used && !c.expired(s, now) {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(a, b int) bool { return live[a].addedAt.Before(live[b].addedAt) })

	out := make([]T, len(live))
	for i, s := range live {
		out[i] = s.value
	}
	return out
}

func (c *Bounded[T]) expired(s slot[T], now time.Time) bool {
	return c.ttl > 0 && now.Sub(s.addedAt) > c.ttl
}

func (c *Bounded[T]) oldestLocked() string {
	var (
		key    string
		oldest time.Time
	)
	for _, s := range c.arena {
		if s.used && (key == "" || s.addedAt.Before(oldest)) {
			key, oldest = s.key, s.addedAt
		}
	}
	return key
}

func (c *Bounded[T]) removeLocked(key string) {
	i, ok := c.index[key]
	if !ok {
		return
	}
	delete(c.index, key)
	c.arena[i] = slot[T]{}
	c.free = append(c.free, i)
}
