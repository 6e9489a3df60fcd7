package tools

import (
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheMaxEntries = 100
)

// webCache is a small TTL cache shared by the web tools so repeated
// lookups inside one conversation don't re-hit the network. Eviction is
// oldest-entry-first once the cap is reached.
type webCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	max     int
	ttl     time.Duration
}

type cacheEntry struct {
	value   string
	added   time.Time
	expires time.Time
}

func newWebCache(max int, ttl time.Duration) *webCache {
	if max <= 0 {
		max = defaultCacheMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &webCache{
		entries: make(map[string]cacheEntry),
		max:     max,
		ttl:     ttl,
	}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = cacheEntry{value: value, added: now, expires: now.Add(c.ttl)}
}

// evictLocked drops expired entries, then the oldest entry if the cache is
// still full. Caller holds the lock.
func (c *webCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.added.Before(oldest) {
			oldestKey = k
			oldest = e.added
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
