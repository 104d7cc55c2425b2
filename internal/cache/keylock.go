package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// KeyedLock hands out one mutex per key. Entries are dropped as soon as no
// goroutine holds or waits for them, so the map only tracks keys in flight.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done. The returned unlock func is
// idempotent.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.acquireRef(key)
	if err := kl.sem.Acquire(ctx, 1); err != nil {
		l.releaseRef(key, kl)
		return nil, err
	}
	return l.unlocker(key, kl), nil
}

// TryLock takes key only if nobody holds it.
func (l *KeyedLock) TryLock(key string) (func(), bool) {
	kl := l.acquireRef(key)
	if !kl.sem.TryAcquire(1) {
		l.releaseRef(key, kl)
		return nil, false
	}
	return l.unlocker(key, kl), true
}

// Len is the number of keys currently locked or waited on.
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyedLock) unlocker(key string, kl *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			kl.sem.Release(1)
			l.releaseRef(key, kl)
		})
	}
}

func (l *KeyedLock) acquireRef(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLock) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
