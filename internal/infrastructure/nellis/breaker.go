package nellis

import (
	"sync"
	"time"
)

// breaker is a minimal circuit breaker over consecutive failures. After
// threshold consecutive failures it opens for the recovery window; the
// first call after the window acts as the half-open probe, and its
// outcome decides between closing and re-opening.
type breaker struct {
	mu        sync.Mutex
	threshold int
	recovery  time.Duration

	failures int
	openedAt time.Time
}

func newBreaker(threshold int, recovery time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &breaker{threshold: threshold, recovery: recovery}
}

// allow reports whether a call may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if time.Since(b.openedAt) >= b.recovery {
		// half-open: admit one probe by resetting the window so that a
		// failing probe re-opens for a full recovery period
		b.openedAt = time.Now()
		return true
	}
	return false
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == b.threshold {
		b.openedAt = time.Now()
	}
}

// open reports whether the breaker is currently short-circuiting calls.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && time.Since(b.openedAt) < b.recovery
}

func (b *breaker) consecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
