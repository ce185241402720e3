package gateway

import (
	"sync"
	"time"
)

// DialLimiter bounds dial attempts inside a sliding window, layered
// under the exponential backoff so a flapping endpoint cannot spin us.
type DialLimiter struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
}

func NewDialLimiter(limit int, interval time.Duration) *DialLimiter {
	return &DialLimiter{limit: limit, interval: interval}
}

func (l *DialLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.interval)

	fresh := make([]time.Time, 0, len(l.history))
	for _, t := range l.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.history = fresh
		return false
	}

	l.history = append(fresh, now)
	return true
}
