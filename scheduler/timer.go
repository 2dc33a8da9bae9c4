package scheduler

import (
	"context"
	"sync"
	"time"
)

// ServiceTimer rate-limits a service: the wrapped function runs at most once
// per interval, no matter how often the scheduler fires it.
type ServiceTimer struct {
	mu       sync.Mutex
	interval time.Duration
	lastRun  time.Time
	now      func() time.Time
	fn       func(ctx context.Context) error
}

func NewServiceTimer(interval time.Duration, fn func(ctx context.Context) error) *ServiceTimer {
	return &ServiceTimer{
		interval: interval,
		now:      time.Now,
		fn:       fn,
	}
}

// Run invokes the wrapped function when the interval elapsed, and is a no-op
// otherwise.
func (t *ServiceTimer) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.now().Sub(t.lastRun) < t.interval {
		t.mu.Unlock()
		return nil
	}
	t.lastRun = t.now()
	t.mu.Unlock()

	return t.fn(ctx)
}
