package api

import (
	"container/list"
	"sync"
)

// titleCache keeps resolved source titles with LRU eviction, so repeated
// downloads from the same source do not hit the resolve endpoint again.
type titleCache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type titleEntry struct {
	sourceURL string
	title     string
}

func newTitleCache(capacity int) *titleCache {
	return &titleCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached title for a source URL, refreshing its recency.
func (c *titleCache) Get(sourceURL string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[sourceURL]; exists {
		c.order.MoveToFront(elem)
		return elem.Value.(*titleEntry).title, true
	}
	return "", false
}

// Put stores a resolved title, evicting the least recently used entry
// when the cache is full.
func (c *titleCache) Put(sourceURL, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.entries[sourceURL]; exists {
		c.order.MoveToFront(elem)
		elem.Value.(*titleEntry).title = title
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*titleEntry).sourceURL)
		}
	}

	elem := c.order.PushFront(&titleEntry{sourceURL: sourceURL, title: title})
	c.entries[sourceURL] = elem
}

// Len reports the number of cached titles.
func (c *titleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
