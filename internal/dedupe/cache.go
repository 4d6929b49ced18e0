// ABOUTME: Thread-safe TTL cache recording keys that must not be processed twice.
// ABOUTME: Backs the agent's finished-run set so resubmissions are rejected as duplicates.

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a bounded, TTL-based set of seen keys. When full, the least
// recently marked key is evicted. A ttl <= 0 disables expiry and a
// maxSize <= 0 disables the size bound.
type Cache struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Cache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen.Peek(key)
	return ok
}

// Mark records that a key has been seen, refreshing its TTL.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Add(key, struct{}{})
}

// Len returns the number of unexpired keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Len()
}
