package pipeline

import (
	"context"
	"sync"
)

// keyLocks serializes work on the same key. Waiters are not ordered; one of
// them takes the key when it is released. A waiter gives up when its
// context ends.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (kl *keyLocks) Lock(ctx context.Context, key string) (unlock func(), err error) {
	kl.mu.Lock()
	var l = kl.locks[key]
	if l == nil {
		l = &keyLock{ch: make(chan struct{}, 1)}
		kl.locks[key] = l
	}
	l.refs++
	kl.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		unlock = func() {
			once.Do(func() {
				<-l.ch
				kl.release(key, l)
			})
		}
		return
	case <-ctx.Done():
		kl.release(key, l)
		err = ctx.Err()
		return
	}
}

func (kl *keyLocks) release(key string, l *keyLock) {
	kl.mu.Lock()
	if l.refs--; l.refs == 0 {
		delete(kl.locks, key)
	}
	kl.mu.Unlock()
}
