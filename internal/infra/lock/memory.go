// Package lock provides per-key mutual exclusion for transaction updates.
// Memory serializes goroutines in one process; Redis extends that across
// replicas.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
)

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// Memory is an in-process keyed lock. Entries are reference counted and
// dropped once nobody holds or waits on them.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	wait    time.Duration
}

// NewMemory creates a keyed lock. wait bounds Acquire; zero means only
// the caller's context bounds it.
func NewMemory(wait time.Duration) *Memory {
	return &Memory{entries: make(map[string]*memoryEntry), wait: wait}
}

// Acquire blocks until key is held, the wait elapses or ctx is done.
func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	if m.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.wait)
		defer cancel()
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, &domain.ErrLockTimeout{Key: key}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, nil
}

func (m *Memory) unref(key string, e *memoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// held returns the number of keys with holders or waiters.
func (m *Memory) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
