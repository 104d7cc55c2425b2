package cache

import (
	"context"
	"errors"
)

var (
	// ErrEditInProgress is returned by Edit while another editor holds the key.
	ErrEditInProgress = errors.New("cache: edit already in progress")
	// ErrDisabled is returned by Edit on a disabled disk cache.
	ErrDisabled = errors.New("cache: disabled")
)

// DiskStore is a persistent key -> (data blob, metadata blob) store. Both the
// result cache and the download cache are DiskStores.
type DiskStore interface {
	Get(key string) *Entry
	Edit(key string) (*Editor, error)
	Exist(key string) bool
	Remove(key string) bool
	Lock(ctx context.Context, key string) (func(), error)
	Clear() error
	Size() int64
	MaxSize() int64
}
