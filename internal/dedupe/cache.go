// ABOUTME: Thread-safe, size-bounded cache of seen keys, each with its own expiry
// ABOUTME: Used to refuse a Google ID token presented a second time within its lifetime

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxSize bounds memory when no size is configured.
const DefaultMaxSize = 100_000

type cacheEntry struct {
	expiresAt time.Time
	element   *list.Element
}

// Cache tracks seen keys until their expiry. When full, the oldest entry is
// evicted, so a key can be accepted twice only if maxSize newer keys arrived
// in between. Insertion order is kept in a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache holding at most maxSize keys (DefaultMaxSize if not
// positive). A background goroutine removes expired entries every minute
// until Close.
func New(maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanup()
	return c
}

// Check returns true if the key has been seen and has not expired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Before(entry.expiresAt)
}

// CheckAndMark atomically checks if a key has been seen and marks it until
// expiresAt if not. Returns true if the key was already seen (duplicate).
func (c *Cache) CheckAndMark(key string, expiresAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		if c.now().Before(entry.expiresAt) {
			return true
		}
		c.removeLocked(key, entry)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{expiresAt: expiresAt, element: elem}
	return false
}

// Len returns the number of tracked keys, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.seen, key)
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

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if !now.Before(entry.expiresAt) {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
