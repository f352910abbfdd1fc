// Package locker serializes operations on a single position. The ledger
// engine assumes one writer per position at a time; a Locker provides that
// guarantee within one process (Local) or across instances (Redis).
package locker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrEmptyKey        = errors.New("locker: key cannot be empty")
	ErrNilFn           = errors.New("locker: lock function is nil")
	ErrLockNotAcquired = errors.New("locker: lock not acquired")
	ErrLockNotHeld     = errors.New("locker: lock was not held or already expired")
)

// Locker runs fn while holding the lock for key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker keyed by string. Waiters honor ctx.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilFn
	}

	e := l.acquireRef(key)
	defer l.releaseRef(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return errors.Join(ErrLockNotAcquired, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

func (l *Local) acquireRef(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseRef(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
