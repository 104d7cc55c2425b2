package bitmap

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// RefCounted owns one decoded bitmap shared by the memory cache and any number
// of display references. The bitmap is reclaimed into its pool exactly once,
// when the counter is zero and the memory cache no longer indexes it.
type RefCounted struct {
	key    string
	bitmap *Bitmap
	pool   *Pool

	refs      atomic.Int32
	cached    atomic.Bool
	reclaimed atomic.Bool
	once      sync.Once
	onReclaim func(*RefCounted)
	extras    any
}

// NewRefCounted wraps b. A nil pool means the bitmap is simply dropped on
// reclaim.
func NewRefCounted(key string, b *Bitmap, pool *Pool) *RefCounted {
	return &RefCounted{key: key, bitmap: b, pool: pool}
}

func (r *RefCounted) Key() string {
	return r.key
}

// Bitmap returns the pixels; nil after reclaim.
func (r *RefCounted) Bitmap() *Bitmap {
	if r.reclaimed.Load() {
		return nil
	}
	return r.bitmap
}

func (r *RefCounted) ByteCount() int64 {
	return int64(r.bitmap.AllocationByteCount())
}

func (r *RefCounted) RefCount() int {
	return int(r.refs.Load())
}

func (r *RefCounted) IsCached() bool {
	return r.cached.Load()
}

func (r *RefCounted) IsReclaimed() bool {
	return r.reclaimed.Load()
}

// OnReclaim registers a hook run after the bitmap has been reclaimed.
// It must be set before the image is shared.
func (r *RefCounted) OnReclaim(fn func(*RefCounted)) {
	r.onReclaim = fn
}

// SetExtras attaches producer metadata travelling with the image through
// the memory cache. It must be set before the image is shared.
func (r *RefCounted) SetExtras(v any) {
	r.extras = v
}

func (r *RefCounted) Extras() any {
	return r.extras
}

// Retain adds a use reference.
func (r *RefCounted) Retain() {
	r.refs.Add(1)
}

// Release drops a use reference. Releasing at zero is a no-op, so the counter
// never goes negative; it reports whether a reference was actually dropped.
func (r *RefCounted) Release() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				r.maybeReclaim()
			}
			return true
		}
	}
}

// SetCached is called by the memory cache when it starts or stops indexing
// the image.
func (r *RefCounted) SetCached(cached bool) {
	r.cached.Store(cached)
	if !cached {
		r.maybeReclaim()
	}
}

func (r *RefCounted) maybeReclaim() {
	if r.refs.Load() != 0 || r.cached.Load() {
		return
	}
	r.once.Do(func() {
		r.reclaimed.Store(true)
		r.pool.Free(r.bitmap)
		if r.onReclaim != nil {
			r.onReclaim(r)
		}
	})
}

func (r *RefCounted) String() string {
	return fmt.Sprintf("RefCounted(%s,refs=%d,cached=%t,%s)", r.key, r.refs.Load(), r.cached.Load(), r.bitmap)
}
