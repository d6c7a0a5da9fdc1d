// Package ttlcache provides a small generic expiring key-value store.
// Expiry is lazy: entries are checked and dropped on read, so there is
// no background sweeper to race against, and a read always agrees with
// the latest clock check. Used for active-mode grants and cached image
// references.
package ttlcache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is an expiring map keyed by string. Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	now     func() time.Time
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// NewWithClock creates a cache using the given clock. Tests use this
// to drive expiry deterministically.
func NewWithClock[V any](now func() time.Time) *Cache[V] {
	c := New[V]()
	c.now = now
	return c
}

// Put stores a value with the given time to live, overwriting any
// existing entry for the key (last write wins).
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the live value for key. An expired entry is deleted and
// reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes an entry. Reports whether a live entry was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	return c.now().Before(e.expiresAt)
}

// Remaining returns the time until the entry for key expires.
func (c *Cache[V]) Remaining(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	left := e.expiresAt.Sub(c.now())
	if left <= 0 {
		delete(c.entries, key)
		return 0, false
	}
	return left, true
}

// Snapshot returns all live entries, pruning expired ones as a side
// effect.
func (c *Cache[V]) Snapshot() map[string]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]V, len(c.entries))
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			continue
		}
		out[key] = e.value
	}
	return out
}

// Len returns the number of live entries.
func (c *Cache[V]) Len() int {
	return len(c.Snapshot())
}
