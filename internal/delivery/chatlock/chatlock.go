// Package chatlock serializes delivery work per (instance, chat) so that
// messages in the same conversation are processed in create_time order
// even when several pipeline workers run concurrently. Each key is backed
// by a bounded channel-based semaphore (capacity 1) so at most one worker
// holds a chat's lock at a time; a bounded wait queue per key rejects with
// OverloadError instead of blocking indefinitely when it's full.
package chatlock

import (
	"context"
	"fmt"
	"sync"
)

// OverloadError is returned when a key's wait queue is already at
// capacity; the caller should treat the unit as not-yet-processed and
// retry on the next scan rather than blocking the scanner.
type OverloadError struct {
	Key string
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("chatlock: queue full for %q", e.Key)
}

// Locker hands out per-key locks with a bounded queue depth.
type Locker struct {
	depth int

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem     chan struct{}
	waiters int
}

// New returns a Locker whose per-key wait queue holds at most depth
// pending acquirers before Acquire starts returning OverloadError.
func New(depth int) *Locker {
	if depth <= 0 {
		depth = 32
	}
	return &Locker{depth: depth, locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key's lock is held, ctx is canceled, or the
// key's wait queue is already full (depth exceeded), in which case it
// returns *OverloadError immediately without waiting. The returned
// release function must be called exactly once to free the lock.
func (l *Locker) Acquire(ctx context.Context, key string) (release func(), err error) {
	kl := l.keyLockFor(key)

	l.mu.Lock()
	if kl.waiters >= l.depth {
		l.mu.Unlock()
		return nil, &OverloadError{Key: key}
	}
	kl.waiters++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		kl.waiters--
		l.mu.Unlock()
	}()

	select {
	case kl.sem <- struct{}{}:
		return func() { <-kl.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Locker) keyLockFor(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	return kl
}
