// Package dedup suppresses repeated processing of messages already seen
// within a retention window. The cache is bounded: entries expire after a
// TTL and an insert past the max-entry bound evicts the oldest entry first.
// Eviction is approximate FIFO rather than strict LRU, trading O(1) inserts
// against rare correctness loss under duplicate bursts.
package dedup

import (
	"sync"
	"time"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 8192
)

type key struct {
	topic     string
	messageID string
}

// Cache is a bounded TTL cache keyed by (topic, message id). Safe for
// concurrent use while the dispatch loop runs.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[key]time.Time
	order      []key

	now func() time.Time
}

// New creates a cache with the given retention window and entry bound. Zero
// or negative values fall back to the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[key]time.Time),
		now:        time.Now,
	}
}

// ShouldProcess reports whether a message should be handled. The first call
// for a (topic, messageID) pair returns true and records the sighting;
// repeat calls within the TTL return false. A message with no identifiable
// id is always treated as novel and never recorded, so real bugs are not
// hidden by silent suppression.
func (c *Cache) ShouldProcess(topic, messageID string) bool {
	if messageID == "" {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	k := key{topic: topic, messageID: messageID}

	if expires, ok := c.entries[k]; ok {
		if now.Before(expires) {
			return false
		}
		delete(c.entries, k)
	}

	c.evictExpired(now)
	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.entries[k] = now.Add(c.ttl)
	c.order = append(c.order, k)
	return true
}

// Len returns the current number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictExpired drops expired entries from the head of the order queue. The
// queue may hold stale keys for entries re-inserted after expiry; those are
// skipped.
func (c *Cache) evictExpired(now time.Time) {
	for len(c.order) > 0 {
		head := c.order[0]
		expires, ok := c.entries[head]
		if ok && now.Before(expires) {
			return
		}
		c.order = c.order[1:]
		if ok {
			delete(c.entries, head)
		}
	}
}

// evictOldest removes exactly one live entry, oldest first.
func (c *Cache) evictOldest() {
	for len(c.order) > 0 {
		head := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[head]; ok {
			delete(c.entries, head)
			return
		}
	}
}
