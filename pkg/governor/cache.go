package governor

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zen-systems/conclave/pkg/schema"
)

// Store is the response cache consumed by the governor. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(key string) (schema.ModelResponse, bool)
	Put(key string, resp schema.ModelResponse)
}

// CacheKey derives the cache key for a backend/prompt pair. Identical
// prompts to different backends never collide.
func CacheKey(backend, prompt string) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	key     string
	resp    schema.ModelResponse
	expires time.Time
}

// MemoryCache is an in-process Store with TTL expiry and LRU eviction.
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	now      func() time.Time
}

// NewMemoryCache builds a cache holding at most capacity entries, each
// valid for ttl after insertion.
func NewMemoryCache(ttl time.Duration, capacity int) *MemoryCache {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(key string) (schema.ModelResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return schema.ModelResponse{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return schema.ModelResponse{}, false
	}
	c.order.MoveToFront(el)
	return entry.resp, true
}

func (c *MemoryCache) Put(key string, resp schema.ModelResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.resp = resp
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
	el := c.order.PushFront(&cacheEntry{key: key, resp: resp, expires: c.now().Add(c.ttl)})
	c.items[key] = el
}

// Len reports the number of live entries, counting expired ones that have
// not been touched since expiry.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
