package cache

import (
	"container/list"
	"sync"
	"time"
)

// lruEntry holds a cached value and its position in the eviction list.
type lruEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	elem      *list.Element
}

// LRU is a bounded process-local cache with least-recently-used eviction and
// per-entry expiry. Safe for concurrent use.
type LRU struct {
	mu      sync.Mutex
	entries map[string]*lruEntry
	order   *list.List // front = most recently used
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// NewLRU creates a local cache holding at most maxSize entries, each valid
// for ttl after insertion.
func NewLRU(maxSize int, ttl time.Duration) *LRU {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &LRU{
		entries: make(map[string]*lruEntry),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.remove(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when the
// cache is full.
func (c *LRU) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		c.order.MoveToFront(e.elem)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e := &lruEntry{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
}

// Delete removes key from the cache.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
	}
}

// Len returns the current number of entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LRU) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.remove(back.Value.(*lruEntry))
}

func (c *LRU) remove(e *lruEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}
