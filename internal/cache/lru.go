package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/rawvec/resource"
)

// LRU is a byte-budgeted least-recently-used cache of immutable values.
// Returned slices must be treated as read-only.
type LRU[K comparable] struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[K]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry[K comparable] struct {
	key   K
	value []byte
}

// NewLRU creates a cache holding at most capacity bytes.
// If rc is non-nil it tracks the cached bytes.
func NewLRU[K comparable](capacity int64, rc *resource.Controller) *LRU[K] {
	return &LRU[K]{
		capacity:  capacity,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns the cached value for key.
func (c *LRU[K]) Get(key K) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(el)
		return el.Value.(*entry[K]).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches value under key, evicting older entries to stay in budget.
func (c *LRU[K]) Set(key K, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	itemSize := int64(len(value))
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if itemSize > c.capacity {
		return
	}

	for c.size+itemSize > c.capacity {
		el := c.evictList.Back()
		if el == nil {
			break
		}
		c.removeElement(el)
	}

	if !c.rc.TryAcquireMemory(itemSize) {
		return
	}

	el := c.evictList.PushFront(&entry[K]{key: key, value: value})
	c.items[key] = el
	c.size += itemSize
}

// Invalidate removes key from the cache.
func (c *LRU[K]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidateFunc removes every entry whose key matches pred.
func (c *LRU[K]) InvalidateFunc(pred func(K) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, el := range c.items {
		if pred(key) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		c.removeElement(el)
	}
}

// Reset drops every entry and returns its memory.
func (c *LRU[K]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.evictList.Back(); el != nil; el = c.evictList.Back() {
		c.removeElement(el)
	}
}

func (c *LRU[K]) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	kv := el.Value.(*entry[K])
	delete(c.items, kv.key)
	itemSize := int64(len(kv.value))
	c.size -= itemSize
	c.rc.ReleaseMemory(itemSize)
}

// Size returns the cached bytes.
func (c *LRU[K]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity returns the byte budget.
func (c *LRU[K]) Capacity() int64 {
	return c.capacity
}

// Stats returns hit and miss counts.
func (c *LRU[K]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
