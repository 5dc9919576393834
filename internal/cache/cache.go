package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	data         V
	timestamp    time.Time
	lastAccessed time.Time
	size         int
}

// Cache is a keyed store with TTL expiry and LRU eviction. One instance per
// category (conversation lists, message lists); TTL and the entry bound are
// fixed per instance. Reads never return an entry older than the TTL, and
// writing past the bound evicts the least-recently-accessed entry.
//
// Cache reads are advisory: a miss always falls back to the remote store, so
// correctness never depends on an entry being present.
type Cache[V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*entry[V]
	sizeOf     func(V) int
	now        func() time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithSizer sets the function used to estimate entry sizes.
func WithSizer[V any](f func(V) int) Option[V] {
	return func(c *Cache[V]) { c.sizeOf = f }
}

// WithClock overrides the time source. Used in tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

func New[V any](ttl time.Duration, maxEntries int, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*entry[V]),
		sizeOf:     func(V) int { return 1 },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, or false if absent or expired.
// Expired entries are removed on access. A hit refreshes lastAccessed.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}

	now := c.now()
	if now.Sub(e.timestamp) > c.ttl {
		delete(c.entries, key)
		return zero, false
	}

	e.lastAccessed = now
	return e.data, true
}

// Set stores value under key, evicting the least-recently-accessed entry if
// the bound would be exceeded.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = &entry[V]{
		data:         value,
		timestamp:    now,
		lastAccessed: now,
		size:         c.sizeOf(value),
	}
}

// evictLocked removes the least-recently-accessed entry.
func (c *Cache[V]) evictLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.lastAccessed.Before(oldest) {
			victim = k
			oldest = e.lastAccessed
			found = true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

// Invalidate removes a single key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Purge removes everything.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the summed size estimate of all entries.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, e := range c.entries {
		total += e.size
	}
	return total
}
