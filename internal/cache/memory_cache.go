package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pixelflow/internal/bitmap"
)

type entry struct {
	key   string
	image *bitmap.RefCounted
	size  int64
}

// MemoryCache implements an in-memory LRU of decoded images bounded by total
// bytes. Evicted images that are still displayed stay alive until their last
// Release.
type MemoryCache struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	items   map[string]*list.Element
	lruList *list.List
	locks   *KeyedLock
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size    int64
	MaxSize int64
	Count   int
	Hits    int64
	Misses  int64
}

// NewMemoryCache creates a new in-memory LRU cache holding at most maxSize bytes.
func NewMemoryCache(maxSize int64, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lruList: list.New(),
		locks:   NewKeyedLock(),
		logger:  logger,
	}
}

// Get returns the image for key with one reference retained for the caller,
// who must Release it.
func (c *MemoryCache) Get(key string) *bitmap.RefCounted {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil
	}
	c.lruList.MoveToFront(elem)
	img := elem.Value.(*entry).image
	img.Retain()
	c.hits.Add(1)
	return img
}

func (c *MemoryCache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Put indexes img under key, evicting least recently used entries until it
// fits. Images larger than the whole cache are refused.
func (c *MemoryCache) Put(key string, img *bitmap.RefCounted) bool {
	if img == nil || img.IsReclaimed() {
		return false
	}
	size := img.ByteCount()
	if size > c.maxSize {
		c.logger.Debug("image too large for memory cache", zap.String("key", key), zap.Int64("bytes", size))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		if elem.Value.(*entry).image == img {
			c.lruList.MoveToFront(elem)
			return true
		}
		c.removeElement(elem)
	}

	for c.size+size > c.maxSize {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.logger.Debug("memory cache evict", zap.String("key", oldest.Value.(*entry).key))
		c.removeElement(oldest)
	}

	img.SetCached(true)
	c.items[key] = c.lruList.PushFront(&entry{key: key, image: img, size: size})
	c.size += size
	return true
}

// Remove drops key from the index. The image is reclaimed once no display
// reference holds it.
func (c *MemoryCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Trim evicts least recently used entries until at most target bytes remain.
func (c *MemoryCache) Trim(target int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.size > target {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

func (c *MemoryCache) Clear() {
	c.Trim(0)
}

// Lock serializes check-compute-store for key.
func (c *MemoryCache) Lock(ctx context.Context, key string) (func(), error) {
	return c.locks.Lock(ctx, key)
}

func (c *MemoryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *MemoryCache) MaxSize() int64 {
	return c.maxSize
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	size, count := c.size, c.lruList.Len()
	c.mu.Unlock()
	return Stats{
		Size:    size,
		MaxSize: c.maxSize,
		Count:   count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func (c *MemoryCache) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.lruList.Remove(elem)
	delete(c.items, ent.key)
	c.size -= ent.size
	ent.image.SetCached(false)
}
