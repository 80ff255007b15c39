// Package lock provides per-key mutual exclusion with a bounded wait.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be obtained within the wait budget.
var ErrTimeout = errors.New("lock: wait timeout")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker serialises work per key. Different keys never contend.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker. Each key gets its own single-slot semaphore
// so a waiter can give up after Wait without holding anything shared.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal builds an in-process locker. A non-positive wait defaults to 5s.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

// Acquire blocks until the key is free, the wait budget elapses or ctx ends.
func (l *Local) Acquire(ctx context.Context, key string) (Unlock, error) {
	s := l.ref(key)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.unref(key)
		return nil, ErrTimeout
	case <-ctx.Done():
		l.unref(key)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key)
		})
	}, nil
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
