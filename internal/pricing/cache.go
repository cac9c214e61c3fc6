package pricing

import (
	"sync"
	"time"
)

// cacheEntry holds a cached value with its expiry time.
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// ttlCache is a process-global, mutex-guarded TTL cache keyed by
// (symbol, kind) strings. Expired entries are dropped lazily on read and
// swept whenever the cache is written.
type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key string, value interface{}, ttl time.Duration) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic sweep keeps the map from growing unbounded.
	if len(c.entries) > 4096 {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}

	c.entries[key] = cacheEntry{value: value, expiresAt: now.Add(ttl)}
}

func (c *ttlCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
