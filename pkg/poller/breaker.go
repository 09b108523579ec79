package poller

import (
	"sync"
	"time"

	"github.com/redsync/redsync/pkg/types"
)

// breaker is a circuit breaker for one failure category. Consecutive
// failures past the threshold open it; after the cool-down a single probe
// is allowed through and its outcome decides whether the circuit closes
// again or reopens.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    types.BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     types.BreakerClosed,
	}
}

// Allow reports whether a call may proceed. When the cool-down has elapsed
// the breaker moves to half-open and lets exactly one probe through;
// concurrent callers are held back until its outcome lands.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case types.BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = types.BreakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case types.BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Success closes the breaker and resets the failure count.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = types.BreakerClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed call. A failed half-open probe reopens
// immediately; otherwise the circuit opens once the threshold is hit.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == types.BreakerHalfOpen || b.failures >= b.threshold {
		b.state = types.BreakerOpen
		b.openedAt = b.now()
	}
	b.probing = false
}

func (b *breaker) State() types.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
