// ABOUTME: Thread-safe TTL cache for suppressing duplicate bridge deliveries
// ABOUTME: Keys are platform message ids; bridges redeliver on reconnect

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/clock"
)

// cacheEntry stores the timestamp and list element for a cached key.
type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of seen
// message keys. Insertion order is kept in a doubly-linked list for
// O(1) eviction of the oldest entry at capacity.
type Cache struct {
	mu      sync.Mutex
	clock   clock.Clock
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
}

// New creates a dedupe cache. The clock is injected so expiry is
// deterministic under test.
func New(clk clock.Clock, ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		clock:   clk,
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically checks whether key was seen within the TTL
// and marks it if not. Returns true for a duplicate. The single
// lock-held check-and-set avoids the TOCTOU race of separate calls.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if ok && c.clock.Now().Sub(entry.seenAt) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// markLocked records a key. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.clock.Now()

	if entry, exists := c.seen[key]; exists {
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{seenAt: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// Sweep removes every expired entry.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.seenAt) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Len returns the number of live entries, counting expired ones until
// the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
