package scheduler

import (
	"sync"
	"time"
)

// lockExpiry caps how long a lock can be held. A holder that never released,
// because its goroutine died mid-run, stops blocking after this long.
const lockExpiry = 60 * time.Second

// TaskLock is a set of named non-blocking locks with automatic expiry. It
// keeps concurrent runs of the same service from stepping on each other.
type TaskLock struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewTaskLock() *TaskLock {
	return &TaskLock{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

// TryLock acquires the named lock if it is free or its holder expired.
func (l *TaskLock) TryLock(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acquired, ok := l.held[name]; ok && l.now().Sub(acquired) < lockExpiry {
		return false
	}
	l.held[name] = l.now()
	return true
}

func (l *TaskLock) Unlock(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}

// WithLock runs fn under the named lock. It reports false without running fn
// when the lock is taken.
func (l *TaskLock) WithLock(name string, fn func() error) (bool, error) {
	if !l.TryLock(name) {
		return false, nil
	}
	defer l.Unlock(name)
	return true, fn()
}
