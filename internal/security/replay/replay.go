// Package replay tracks recently seen authentication payloads so a captured
// ClientHello cannot be presented twice inside its freshness window.
package replay

import (
	"encoding/hex"
	"sync"
	"time"
)

// Cache is a TTL-bounded seen-set. Identifiers expire after the configured
// window plus slack; expired entries are pruned opportunistically on insert.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewCache creates a cache holding identifiers for ttl. maxSize bounds memory
// against floods; when full, the oldest entries are evicted first.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1 << 16
	}
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndAdd returns true when id has not been seen inside the window,
// recording it atomically. A second presentation of the same id returns false.
func (c *Cache) CheckAndAdd(id []byte) bool {
	key := hex.EncodeToString(id)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.seen[key]; ok && now.Before(exp) {
		return false
	}
	c.prune(now)
	c.seen[key] = now.Add(c.ttl)
	return true
}

// Len reports the number of tracked identifiers, expired included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// prune removes expired entries; if still over capacity, evicts oldest.
// Caller holds c.mu.
func (c *Cache) prune(now time.Time) {
	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
		}
	}
	for len(c.seen) >= c.maxSize {
		var oldestKey string
		var oldest time.Time
		for k, exp := range c.seen {
			if oldestKey == "" || exp.Before(oldest) {
				oldestKey, oldest = k, exp
			}
		}
		delete(c.seen, oldestKey)
	}
}
