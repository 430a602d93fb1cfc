package billing

import (
	"context"
	"sync"
)

// Locker provides per-subscription mutual exclusion across a whole charge
// attempt, including the gateway round trip.
type Locker interface {
	// TryLock acquires key without waiting. ok is false if another holder has it.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)

	// Lock waits until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker is an in-process Locker. It is enough for a single replica;
// multi-replica deployments use the redis locker.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates an empty KeyedLocker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (l *KeyedLocker) acquireRef(key string) *keyedLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyedLocker) releaseRef(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// TryLock implements Locker
func (l *KeyedLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	kl := l.acquireRef(key)
	select {
	case kl.ch <- struct{}{}:
		return l.unlocker(key, kl), true, nil
	default:
		l.releaseRef(key, kl)
		return nil, false, nil
	}
}

// Lock implements Locker
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	kl := l.acquireRef(key)
	select {
	case kl.ch <- struct{}{}:
		return l.unlocker(key, kl), nil
	case <-ctx.Done():
		l.releaseRef(key, kl)
		return nil, ctx.Err()
	}
}

func (l *KeyedLocker) unlocker(key string, kl *keyedLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.releaseRef(key, kl)
		})
	}
}
