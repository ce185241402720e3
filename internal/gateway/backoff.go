package gateway

import "time"

const (
	defaultBackoffBase = 300 * time.Millisecond
	defaultBackoffCap  = 5 * time.Second
)

// Backoff is an exponential reconnect delay: base, doubling, capped.
// Not safe for concurrent use; owned by the connection's run loop.
type Backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	return &Backoff{base: base, cap: cap}
}

func (b *Backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.cap {
			d = b.cap
			break
		}
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
