// Package cache implements the Bounded LRU Cache of spec.md §4.1: a
// generic map from K to V bounded by three independent, dynamically
// reconfigurable caps (entry count, byte size, entry age). It
// generalizes the teacher's internal/cache/lru.go (container/list +
// map, MRU promotion on Get, eviction from the LRU end on Put) and
// internal/cache/sized_cache.go (byte-size accounting and
// evictToSize) from a fixed (container, artifact)->[]byte cache into a
// type-parameterized one.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// SizeFunc computes the byte size an entry counts against the byte cap.
type SizeFunc[V any] func(V) int64

// Caps are read as thunks on every operation, so the cache honors
// dynamic reconfiguration without a restart (spec.md §4.1).
type Caps struct {
	MaxEntries func() int
	MaxBytes   func() int64
	TTL        func() time.Duration
}

// Metrics is the snapshot returned by Cache.Metrics.
type Metrics struct {
	Hits           int64
	Misses         int64
	Evictions      int64
	Expirations    int64
	CurrentEntries int
	CurrentBytes   int64
	HitRate        float64
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	size       int64
	insertedAt time.Time
}

// Cache is a generic bounded LRU cache. All operations are safe for
// concurrent use (spec.md §4.1 concurrency: "All operations are
// serialized; callers may invoke from multiple threads").
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	caps     Caps
	sizeOf   SizeFunc[V]
	items    map[K]*list.Element
	order    *list.List // front = MRU, back = LRU
	curBytes int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// New creates a cache with the given caps and size function. A nil
// sizeOf treats every value as size 1.
func New[K comparable, V any](caps Caps, sizeOf SizeFunc[V]) *Cache[K, V] {
	if sizeOf == nil {
		sizeOf = func(V) int64 { return 1 }
	}
	return &Cache[K, V]{
		caps:   caps,
		sizeOf: sizeOf,
		items:  make(map[K]*list.Element),
		order:  list.New(),
	}
}

// Get returns the cached value for k, promoting it to MRU on a hit. A
// value whose age exceeds the TTL cap (inclusive, per spec.md §8's
// boundary behavior) is treated as a miss and removed.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[k]
	if !ok {
		c.misses++
		return zero, false
	}
	e := elem.Value.(*entry[K, V])

	if ttl := c.caps.TTL(); ttl > 0 && time.Since(e.insertedAt) >= ttl {
		c.removeElementLocked(elem)
		c.misses++
		c.expirations++
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return e.value, true
}

// Put inserts or replaces k's value at MRU, then evicts from the LRU
// end until every cap is satisfied. Eviction triggered by Put(k,v)
// never evicts k itself.
func (c *Cache[K, V]) Put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := c.sizeOf(v)

	if elem, ok := c.items[k]; ok {
		e := elem.Value.(*entry[K, V])
		c.curBytes += size - e.size
		e.value = v
		e.size = size
		e.insertedAt = time.Now()
		c.order.MoveToFront(elem)
	} else {
		e := &entry[K, V]{key: k, value: v, size: size, insertedAt: time.Now()}
		elem := c.order.PushFront(e)
		c.items[k] = elem
		c.curBytes += size
	}

	c.evictToCapsLocked(k)
}

// Remove deletes k unconditionally.
func (c *Cache[K, V]) Remove(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[k]; ok {
		c.removeElementLocked(elem)
	}
}

// Clear empties the cache without touching the metric counters.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order = list.New()
	c.curBytes = 0
}

// Metrics returns a snapshot of the cache's counters and current size.
func (c *Cache[K, V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Metrics{
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Expirations:    c.expirations,
		CurrentEntries: c.order.Len(),
		CurrentBytes:   c.curBytes,
		HitRate:        hitRate,
	}
}

// ResetMetrics zeros the counters, leaving cache contents untouched.
func (c *Cache[K, V]) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = 0
	c.misses = 0
	c.evictions = 0
	c.expirations = 0
}

// evictToCapsLocked evicts from the LRU end until entries and bytes
// caps are both satisfied, skipping the just-inserted key skip.
func (c *Cache[K, V]) evictToCapsLocked(skip K) {
	maxEntries := 0
	if c.caps.MaxEntries != nil {
		maxEntries = c.caps.MaxEntries()
	}
	maxBytes := int64(0)
	if c.caps.MaxBytes != nil {
		maxBytes = c.caps.MaxBytes()
	}

	for {
		overEntries := maxEntries > 0 && c.order.Len() > maxEntries
		overBytes := maxBytes > 0 && c.curBytes > maxBytes
		if !overEntries && !overBytes {
			return
		}

		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry[K, V])
		if e.key == skip {
			// Never evict the entry that was just inserted/updated by
			// this Put; if it's the only entry left there is nothing
			// more we can do to satisfy the caps.
			if c.order.Len() == 1 {
				return
			}
			back = back.Prev()
			if back == nil {
				return
			}
			e = back.Value.(*entry[K, V])
		}

		c.removeElementLocked(back)
		c.evictions++
	}
}

func (c *Cache[K, V]) removeElementLocked(elem *list.Element) {
	e := elem.Value.(*entry[K, V])
	c.order.Remove(elem)
	delete(c.items, e.key)
	c.curBytes -= e.size
}

// StaticCaps builds a Caps from fixed values, for callers that don't
// need dynamic reconfiguration.
func StaticCaps(maxEntries int, maxBytes int64, ttl time.Duration) Caps {
	return Caps{
		MaxEntries: func() int { return maxEntries },
		MaxBytes:   func() int64 { return maxBytes },
		TTL:        func() time.Duration { return ttl },
	}
}
