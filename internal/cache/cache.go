// Package cache provides the in-memory TTL cache the sync engine uses to
// memoize name lookups during a pass.
package cache

import (
	"sync"
	"time"

	"github.com/drallgood/audiobookshelf-library-sync/internal/logger"
)

// Cache stores values with an optional expiry
type Cache[K comparable, V any] interface {
	// Set stores value under key. A ttl of zero or less never expires.
	Set(key K, value V, ttl time.Duration)
	// Get returns the value and whether a live entry was found
	Get(key K) (V, bool)
	Delete(key K)
	Clear()
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memoryCache[K comparable, V any] struct {
	items map[K]entry[V]
	mu    sync.RWMutex
	log   *logger.Logger
	now   func() time.Time
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache[K comparable, V any](log *logger.Logger) Cache[K, V] {
	if log == nil {
		log = logger.Get()
	}
	return &memoryCache[K, V]{
		items: make(map[K]entry[V]),
		log:   log,
		now:   time.Now,
	}
}

func (c *memoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
}

func (c *memoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	if !found || item.expired(c.now()) {
		var zero V
		return zero, false
	}
	return item.value, true
}

func (c *memoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *memoryCache[K, V]) Clear() {
	c.mu.Lock()
	n := len(c.items)
	c.items = make(map[K]entry[V])
	c.mu.Unlock()

	c.log.Debug("Cache cleared", map[string]interface{}{"evicted": n})
}

// Len counts entries that have not expired
func (c *memoryCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	n := 0
	for _, item := range c.items {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

// WithTTL returns a wrapper that applies ttl to every Set
func WithTTL[K comparable, V any](cache Cache[K, V], ttl time.Duration) Cache[K, V] {
	return &ttlWrapper[K, V]{Cache: cache, ttl: ttl}
}

type ttlWrapper[K comparable, V any] struct {
	Cache[K, V]
	ttl time.Duration
}

func (w *ttlWrapper[K, V]) Set(key K, value V, _ time.Duration) {
	w.Cache.Set(key, value, w.ttl)
}

// Loader fetches a value missing from the cache
type Loader[K comparable, V any] func(key K) (V, error)

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func GetOrLoad[K comparable, V any](c Cache[K, V], key K, ttl time.Duration, load Loader[K, V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(key)
	if err != nil {
		return v, err
	}
	c.Set(key, v, ttl)
	return v, nil
}
