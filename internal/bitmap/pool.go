package bitmap

import (
	"container/list"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// maxOversize bounds how much larger than requested a reused buffer may be.
const maxOversize = 4

// Pool recycles bitmap backing storage by shape. Buffers are matched best-fit
// on capacity and trimmed least-recently-put first when the pool is full.
type Pool struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	lru     *list.List
	items   map[*Bitmap]*list.Element
	logger  *zap.Logger

	hits    atomic.Int64
	misses  atomic.Int64
	rejects atomic.Int64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Size    int64
	MaxSize int64
	Count   int
	Hits    int64
	Misses  int64
	Rejects int64
}

// NewPool creates a pool holding at most maxSize bytes of backing storage.
func NewPool(maxSize int64, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		maxSize: maxSize,
		lru:     list.New(),
		items:   make(map[*Bitmap]*list.Element),
		logger:  logger,
	}
}

// Get returns a cleared buffer reshaped to width x height, or nil when no
// pooled buffer fits.
func (p *Pool) Get(width, height int, format Format) *Bitmap {
	if !format.Poolable() || width <= 0 || height <= 0 {
		return nil
	}
	need := width * height * format.BytesPerPixel()

	p.mu.Lock()
	var best *list.Element
	for e := p.lru.Front(); e != nil; e = e.Next() {
		c := cap(e.Value.(*Bitmap).Pix)
		if c < need || c > need*maxOversize {
			continue
		}
		if best == nil || c < cap(best.Value.(*Bitmap).Pix) {
			best = e
		}
	}
	if best == nil {
		p.mu.Unlock()
		p.misses.Add(1)
		return nil
	}
	b := best.Value.(*Bitmap)
	p.removeElement(best)
	p.mu.Unlock()

	b.Reconfigure(width, height, format)
	b.Erase()
	p.hits.Add(1)
	return b
}

// Put offers b to the pool. It reports false when the caller keeps
// ownership: the format is unpoolable or the buffer is larger than the pool.
func (p *Pool) Put(b *Bitmap) bool {
	if b == nil || !b.Format.Poolable() || cap(b.Pix) == 0 {
		p.rejects.Add(1)
		return false
	}
	size := int64(cap(b.Pix))
	if size > p.maxSize {
		p.rejects.Add(1)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.items[b]; ok {
		return true
	}
	p.items[b] = p.lru.PushFront(b)
	p.size += size
	p.trimLocked(p.maxSize)
	return true
}

// Free returns b to the pool or, when rejected, drops its storage.
func (p *Pool) Free(b *Bitmap) {
	if b == nil {
		return
	}
	if p != nil && p.Put(b) {
		return
	}
	b.Pix = nil
}

// Trim drops buffers until the pool holds at most target bytes.
func (p *Pool) Trim(target int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trimLocked(target)
}

func (p *Pool) Clear() {
	p.Trim(0)
}

func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) MaxSize() int64 {
	return p.maxSize
}

func (p *Pool) Stats() PoolStats {
	if p == nil {
		return PoolStats{}
	}
	p.mu.Lock()
	size, count := p.size, p.lru.Len()
	p.mu.Unlock()
	return PoolStats{
		Size:    size,
		MaxSize: p.maxSize,
		Count:   count,
		Hits:    p.hits.Load(),
		Misses:  p.misses.Load(),
		Rejects: p.rejects.Load(),
	}
}

func (p *Pool) trimLocked(target int64) {
	trimmed := 0
	for p.size > target {
		oldest := p.lru.Back()
		if oldest == nil {
			break
		}
		b := oldest.Value.(*Bitmap)
		p.removeElement(oldest)
		b.Pix = nil
		trimmed++
	}
	if trimmed > 0 {
		p.logger.Debug("bitmap pool trimmed", zap.Int("count", trimmed), zap.Int64("size", p.size))
	}
}

func (p *Pool) removeElement(e *list.Element) {
	b := e.Value.(*Bitmap)
	p.lru.Remove(e)
	delete(p.items, b)
	p.size -= int64(cap(b.Pix))
}
