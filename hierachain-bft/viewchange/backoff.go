package viewchange

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff grows the view-change timeout exponentially across consecutive
// failed view changes: base * 2^attempts, capped at max. Next adds a random
// share of up to a quarter of the timeout so that replicas whose timers
// fired together drift apart.
type Backoff struct {
	base time.Duration
	max  time.Duration

	mu       sync.Mutex
	attempts int
}

// NewBackoff creates a backoff starting at base.
func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Timeout returns the current timeout without jitter.
func (b *Backoff) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout()
}

func (b *Backoff) timeout() time.Duration {
	d := b.base
	for i := 0; i < b.attempts && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Next returns the jittered timeout for the next attempt and escalates.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.timeout()
	if q := int64(d) / 4; q > 0 {
		d += time.Duration(rand.Int64N(q))
	}
	if d > b.max {
		d = b.max
	}
	b.attempts++
	return d
}

// Reset drops back to the base timeout. It is called once a view made
// progress.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of consecutive escalations.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
