package cache

import "context"

// NoopDiskCache stores nothing. Locks still work so the single-flight
// guarantee holds with the tier disabled.
type NoopDiskCache struct {
	locks *KeyedLock
}

func NewNoopDiskCache() *NoopDiskCache {
	return &NoopDiskCache{locks: NewKeyedLock()}
}

func (c *NoopDiskCache) Get(key string) *Entry {
	return nil
}

func (c *NoopDiskCache) Edit(key string) (*Editor, error) {
	return nil, ErrDisabled
}

func (c *NoopDiskCache) Exist(key string) bool {
	return false
}

func (c *NoopDiskCache) Remove(key string) bool {
	return false
}

func (c *NoopDiskCache) Lock(ctx context.Context, key string) (func(), error) {
	return c.locks.Lock(ctx, key)
}

func (c *NoopDiskCache) Clear() error {
	return nil
}

func (c *NoopDiskCache) Size() int64 {
	return 0
}

func (c *NoopDiskCache) MaxSize() int64 {
	return 0
}
