package agentdriver

import (
	"sync"
	"time"
)

// ClientCache keeps one long-lived Driver handle per (work dir, model)
// pair so ExecutionEngine doesn't pay reconnect overhead on every turn.
// At capacity, Get evicts the least-recently-used handle. Handles idle
// past TTL are removed only when EvictIdle is called; the cache starts
// no sweep of its own. Governed by the CACHE_ENABLED / CACHE_MAX_CLIENTS
// / CACHE_TTL_SECONDS settings.
type ClientCache struct {
	newClient func(workDir, model string) Driver
	ttl       time.Duration
	maxSize   int

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

type cacheKey struct {
	workDir string
	model   string
}

type cacheEntry struct {
	driver     Driver
	lastUsedAt time.Time
}

// NewClientCache returns a ClientCache that lazily builds drivers with
// newClient, bounded to maxSize entries with a ttl idle timeout.
func NewClientCache(newClient func(workDir, model string) Driver, maxSize int, ttl time.Duration) *ClientCache {
	return &ClientCache{
		newClient: newClient,
		maxSize:   maxSize,
		ttl:       ttl,
		entries:   make(map[cacheKey]*cacheEntry),
	}
}

// Get returns the cached driver for (workDir, model), creating one if
// absent. When at capacity, the least-recently-used entry is evicted.
func (c *ClientCache) Get(workDir, model string) Driver {
	key := cacheKey{workDir: workDir, model: model}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.lastUsedAt = time.Now()
		return e.driver
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	d := c.newClient(workDir, model)
	c.entries[key] = &cacheEntry{driver: d, lastUsedAt: time.Now()}
	return d
}

func (c *ClientCache) evictOldestLocked() {
	var oldestKey cacheKey
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastUsedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.lastUsedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// EvictIdle removes every entry whose last use predates now-ttl and
// returns how many it removed. Nothing in this package calls it
// periodically.
func (c *ClientCache) EvictIdle(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var evicted int
	cutoff := now.Add(-c.ttl)
	for k, e := range c.entries {
		if e.lastUsedAt.Before(cutoff) {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached entries.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
