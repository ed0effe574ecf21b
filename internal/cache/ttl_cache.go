package cache

import (
	"sync"
	"time"

	"github.com/smallbiznis/medibill/internal/clock"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in-memory with per-entry TTLs measured on clk.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	clock clock.Clock
	items map[K]cacheEntry[V]
}

// NewTTLCache constructs a new TTLCache instance. A nil clock uses the
// system clock.
func NewTTLCache[K comparable, V any](clk clock.Clock) *TTLCache[K, V] {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &TTLCache[K, V]{clock: clk, items: make(map[K]cacheEntry[V])}
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.expired(entry) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the provided TTL. A non-positive TTL never expires.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = cacheEntry[V]{
		value:     value,
		expiresAt: expiresAt,
	}
	c.mu.Unlock()
}

// Delete removes a cached entry.
func (c *TTLCache[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Range calls fn for every live entry until fn returns false. Expired entries
// are purged along the way.
func (c *TTLCache[K, V]) Range(fn func(key K, value V) bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	live := make(map[K]V, len(c.items))
	for key, entry := range c.items {
		if c.expired(entry) {
			delete(c.items, key)
			continue
		}
		live[key] = entry.value
	}
	c.mu.Unlock()

	for key, value := range live {
		if !fn(key, value) {
			return
		}
	}
}

// Len returns the number of stored entries, including ones not yet purged.
func (c *TTLCache[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *TTLCache[K, V]) expired(entry cacheEntry[V]) bool {
	return !entry.expiresAt.IsZero() && c.clock.Now().After(entry.expiresAt)
}
