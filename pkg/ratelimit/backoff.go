package ratelimit

import (
	"sync"
	"time"
)

// idleReset is how long the backoff may sit unused before the attempt
// counter clears on its own.
const idleReset = 60 * time.Second

// Backoff yields base·2^k delays capped at a maximum, for handling 429/503
// responses from the transport. Thread-safe; resets automatically after a
// minute of disuse.
type Backoff struct {
	base time.Duration
	max  time.Duration

	mu       sync.Mutex
	attempts int
	lastUsed time.Time
	clock    func() time.Time
}

// NewBackoff builds a backoff with the given base and cap. Zero values
// default to 1s base and 5m cap.
func NewBackoff(base, max time.Duration) *Backoff {
	if base == 0 {
		base = time.Second
	}
	if max == 0 {
		max = 5 * time.Minute
	}
	return &Backoff{base: base, max: max, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (b *Backoff) WithClock(clock func() time.Time) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
	return b
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if !b.lastUsed.IsZero() && now.Sub(b.lastUsed) > idleReset {
		b.attempts = 0
	}

	delay := b.base << b.attempts
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	b.attempts++
	b.lastUsed = now
	return delay
}

// Reset clears the attempt counter after a successful call.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.lastUsed = b.clock()
}
