package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a single-process Locker for development and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

// TryLock takes the named lock unless it is held and unexpired.
func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, ok := l.held[name]; ok && expiry.After(now) {
		return false, nil
	}
	l.held[name] = now.Add(ttl)
	return true, nil
}

// Unlock releases the named lock.
func (l *MemoryLocker) Unlock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}
