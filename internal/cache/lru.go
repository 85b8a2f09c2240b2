// Package cache provides a capacity-bounded, recency-ordered string map.
// Every cache in the transport layer (pending requests, event routes, seen
// event ids, sessions) composes it; eviction policy lives here and nowhere else.
package cache

import (
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// EvictFunc receives the key and value removed when Set overflows capacity.
// It is never called for Delete or Clear. A panic inside the callback is
// recovered and logged; it does not propagate to the caller of Set.
type EvictFunc[V any] func(key string, value V)

// Bounded is a mutex-guarded LRU map with string keys.
type Bounded[V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, V]
	capacity int
	onEvict  EvictFunc[V]
	logger   *slog.Logger
}

// NewBounded creates a map holding at most capacity entries. A capacity below
// one is treated as one. onEvict and logger may be nil.
func NewBounded[V any](capacity int, onEvict EvictFunc[V], logger *slog.Logger) *Bounded[V] {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	// simplelru only errors on non-positive capacity, which is clamped above.
	lru, _ := simplelru.NewLRU[string, V](capacity, nil)
	return &Bounded[V]{
		lru:      lru,
		capacity: capacity,
		onEvict:  onEvict,
		logger:   logger,
	}
}

// Get returns the value for key and marks it most recently used.
func (b *Bounded[V]) Get(key string) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Get(key)
}

// Has reports membership without disturbing recency order.
func (b *Bounded[V]) Has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Contains(key)
}

// Peek returns the value for key without disturbing recency order.
func (b *Bounded[V]) Peek(key string) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Peek(key)
}

// Set inserts or updates key. If the insert would exceed capacity, the least
// recently used entry is removed first and the eviction callback invoked with
// it. The callback runs outside the internal lock, so it may safely call back
// into the map.
func (b *Bounded[V]) Set(key string, value V) {
	var (
		evictedKey string
		evictedVal V
		evicted    bool
	)

	b.mu.Lock()
	if !b.lru.Contains(key) && b.lru.Len() >= b.capacity {
		if k, v, ok := b.lru.GetOldest(); ok {
			b.lru.Remove(k)
			evictedKey, evictedVal, evicted = k, v, true
		}
	}
	b.lru.Add(key, value)
	b.mu.Unlock()

	if evicted && b.onEvict != nil {
		b.safeEvict(evictedKey, evictedVal)
	}
}

// SetIfAbsent inserts key only when it is not already present and reports
// whether it inserted. Capacity eviction behaves as in Set. The check and
// insert are one atomic step, so concurrent callers agree on a single winner.
func (b *Bounded[V]) SetIfAbsent(key string, value V) bool {
	var (
		evictedKey string
		evictedVal V
		evicted    bool
	)

	b.mu.Lock()
	if b.lru.Contains(key) {
		b.mu.Unlock()
		return false
	}
	if b.lru.Len() >= b.capacity {
		if k, v, ok := b.lru.GetOldest(); ok {
			b.lru.Remove(k)
			evictedKey, evictedVal, evicted = k, v, true
		}
	}
	b.lru.Add(key, value)
	b.mu.Unlock()

	if evicted && b.onEvict != nil {
		b.safeEvict(evictedKey, evictedVal)
	}
	return true
}

// Delete removes key. The eviction callback is not invoked.
func (b *Bounded[V]) Delete(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Remove(key)
}

// Clear removes all entries. The eviction callback is not invoked.
func (b *Bounded[V]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lru.Purge()
}

// Len returns the current entry count.
func (b *Bounded[V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lru.Len()
}

// Entry is one key/value pair returned by Entries.
type Entry[V any] struct {
	Key   string
	Value V
}

// Entries returns a snapshot in most-recently-used to least-recently-used
// order, without disturbing recency.
func (b *Bounded[V]) Entries() []Entry[V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := b.lru.Keys() // oldest to newest
	entries := make([]Entry[V], 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if v, ok := b.lru.Peek(keys[i]); ok {
			entries = append(entries, Entry[V]{Key: keys[i], Value: v})
		}
	}
	return entries
}

func (b *Bounded[V]) safeEvict(key string, value V) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eviction callback panicked", "key", key, "panic", r)
		}
	}()
	b.onEvict(key, value)
}
