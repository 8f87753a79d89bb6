package license

import (
	"sync"
	"time"

	"chaingate/pkg/contracts/domain"
)

// CacheEntry represents a cached validation result
type CacheEntry struct {
	Key       string
	Value     *domain.ResolvedAccess
	ExpiresAt time.Time
}

// CacheStats reports the cache population and lookup counters
type CacheStats struct {
	TotalEntries int
	ValidEntries int
	Hits         int64
	Misses       int64
}

// ValidationCache memoizes resolved access per identity for a bounded time.
// Expired entries are purged whenever the cache is read or written; there is
// no background sweep.
type ValidationCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	ttl     time.Duration
	now     func() time.Time
	hits    int64
	misses  int64
}

// NewValidationCache creates a cache with a default TTL and clock.
// A nil clock uses time.Now.
func NewValidationCache(ttl time.Duration, now func() time.Time) *ValidationCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &ValidationCache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// TTL returns the default entry lifetime
func (c *ValidationCache) TTL() time.Duration {
	return c.ttl
}

// Get returns a copy of the live entry for key
func (c *ValidationCache) Get(key string) (*domain.ResolvedAccess, bool) {
	key = domain.NormalizeIdentity(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.Value.Clone(), true
}

// Put stores value under key, overwriting any previous entry. A
// non-positive ttl uses the cache default.
func (c *ValidationCache) Put(key string, value *domain.ResolvedAccess, ttl time.Duration) {
	if value == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	key = domain.NormalizeIdentity(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	c.entries[key] = CacheEntry{
		Key:       key,
		Value:     value.Clone(),
		ExpiresAt: now.Add(ttl),
	}
}

// Invalidate removes key and reports whether a live entry was removed
func (c *ValidationCache) Invalidate(key string) bool {
	key = domain.NormalizeIdentity(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked(c.now())

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear removes every entry and returns how many were held
func (c *ValidationCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]CacheEntry)
	return n
}

// Stats counts held and unexpired entries. It does not purge, so
// TotalEntries includes expired entries awaiting the next access.
func (c *ValidationCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := CacheStats{
		TotalEntries: len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
	}
	for _, e := range c.entries {
		if now.Before(e.ExpiresAt) {
			stats.ValidEntries++
		}
	}
	return stats
}

func (c *ValidationCache) purgeLocked(now time.Time) {
	for key, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}
