// ABOUTME: TTL and size bounded seen-set for message id deduplication
// ABOUTME: CheckAndMark is atomic so concurrent handlers agree on first-sight

package dedupe

import (
	"sync"
	"time"
)

// Cache remembers recently seen ids. Entries age out after the TTL and the
// set is capped so an event flood cannot grow it without bound.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// New creates a cache. Zero or negative values fall back to an hour and
// 10000 entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark reports whether the id is new and marks it seen in the same
// step. Exactly one of any set of concurrent calls for the same id gets true.
func (c *Cache) CheckAndMark(id string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[id]; ok && now.Sub(at) < c.ttl {
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.prune(now)
	}

	c.seen[id] = now
	return true
}

// Forget drops the id so a later redelivery passes CheckAndMark again. Used
// when a handler marked the id but failed before doing anything with it.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, id)
}

// Len returns the current number of tracked ids.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// prune drops expired entries; if nothing expired it evicts the oldest
// entries until a quarter of the capacity is free. Caller holds the lock.
func (c *Cache) prune(now time.Time) {
	for id, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, id)
		}
	}

	target := c.maxSize * 3 / 4
	for len(c.seen) > target {
		var oldestID string
		var oldestAt time.Time
		for id, at := range c.seen {
			if oldestID == "" || at.Before(oldestAt) {
				oldestID, oldestAt = id, at
			}
		}
		delete(c.seen, oldestID)
	}
}
