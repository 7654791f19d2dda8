package locking

import (
	"context"
	"sync"
	"time"
)

type memoryLock struct {
	owner   string
	expires time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryLock),
		now:   time.Now,
	}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[key]; ok && held.owner != owner {
		if held.expires.IsZero() || now.Before(held.expires) {
			return false, nil
		}
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	l.locks[key] = memoryLock{owner: owner, expires: expires}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	if !ok || held.owner != owner {
		return ErrNotHeld
	}
	delete(l.locks, key)
	return nil
}

// Holder returns the current owner of key, if any.
func (l *MemoryLocker) Holder(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	if !ok {
		return "", false, nil
	}
	if !held.expires.IsZero() && !l.now().Before(held.expires) {
		return "", false, nil
	}
	return held.owner, true, nil
}
