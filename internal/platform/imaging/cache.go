package imaging

import (
	"container/list"
	"image"
	"sync"
)

// cacheKey identifies one decoded rendition
type cacheKey struct {
	name string
	size Size
}

type cacheEntry struct {
	key cacheKey
	img image.Image
}

// Cache is a bounded LRU of decoded images keyed by name and size
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[cacheKey]*list.Element
}

// NewCache creates a cache holding at most capacity images (minimum 1)
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[cacheKey]*list.Element),
	}
}

// Get returns the cached image and marks it recently used
func (c *Cache) Get(name string, size Size) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[cacheKey{name, size}]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).img, true
}

// Put stores img, evicting the least recently used image when full
func (c *Cache) Put(name string, size Size, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{name, size}
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).img = img
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, img: img})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Remove drops every size of name
func (c *Cache) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if key.name == name {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[cacheKey]*list.Element)
}

// Len returns the number of cached images
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
