// Package cache implements the two-tier signal cache: an in-process LRU in
// front of an optional shared Redis tier. Every failure path degrades to a
// miss; the cache never surfaces errors to the generation cycle.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// localCache is a size-bounded LRU with per-entry expiry.
type localCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recent
	entries map[string]*list.Element
}

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func newLocalCache(maxEntries int) *localCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &localCache{
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *localCache) get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*localEntry)
	if now.After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

func (c *localCache) set(key string, value []byte, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*localEntry)
		ent.value = value
		ent.expiresAt = now.Add(ttl)
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&localEntry{key: key, value: value, expiresAt: now.Add(ttl)})
	c.entries[key] = el
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*localEntry).key)
	}
}

func (c *localCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

func (c *localCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// trim evicts LRU entries down to the target occupancy. Used by the
// generator's periodic compaction.
func (c *localCache) trim(target int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for c.order.Len() > target {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*localEntry).key)
		evicted++
	}
	return evicted
}
