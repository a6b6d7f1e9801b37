// Package ratelimit implements the send throttles for the mail pipeline:
// a token bucket with independent per-cycle and daily ceilings, and an
// exponential backoff for server-imposed throttling.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrLimited is returned when a non-blocking acquisition is refused.
var ErrLimited = errors.New("rate limit exceeded")

// LimitConfig bounds the limiter. Zero values take the documented
// defaults: 20 per 60s cycle and 100 per 24h day.
type LimitConfig struct {
	MaxPerCycle  int
	CycleSeconds int
	MaxPerDay    int
	DaySeconds   int
}

func (c LimitConfig) withDefaults() LimitConfig {
	if c.MaxPerCycle == 0 {
		c.MaxPerCycle = 20
	}
	if c.CycleSeconds == 0 {
		c.CycleSeconds = 60
	}
	if c.MaxPerDay == 0 {
		c.MaxPerDay = 100
	}
	if c.DaySeconds == 0 {
		c.DaySeconds = 86400
	}
	return c
}

// Status is a point-in-time snapshot of both buckets.
type Status struct {
	CycleRemaining int
	CycleLimit     int
	DailyRemaining int
	DailyLimit     int
}

// Limiter is a thread-safe token bucket with two dimensions: a rolling
// cycle window kept as a FIFO of acquisition timestamps, and a daily
// budget refilled all at once every day window.
type Limiter struct {
	cfg LimitConfig

	mu          sync.Mutex
	cycle       []time.Time
	daily       int
	lastRefill  time.Time
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
}

// NewLimiter builds a limiter with the given bounds.
func NewLimiter(cfg LimitConfig) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:        cfg,
		daily:      cfg.MaxPerDay,
		clock:      time.Now,
		sleep:      sleepCtx,
		log:        slog.Default(),
	}
	l.lastRefill = l.clock()
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
	l.lastRefill = clock()
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refillDaily restores the daily budget once the day window has elapsed.
// Caller holds the lock.
func (l *Limiter) refillDaily(now time.Time) {
	if now.Sub(l.lastRefill) >= time.Duration(l.cfg.DaySeconds)*time.Second {
		l.daily = l.cfg.MaxPerDay
		l.lastRefill = now
	}
}

// evictCycle drops acquisition timestamps outside the rolling window.
// Caller holds the lock.
func (l *Limiter) evictCycle(now time.Time) {
	cutoff := now.Add(-time.Duration(l.cfg.CycleSeconds) * time.Second)
	i := 0
	for i < len(l.cycle) && !l.cycle[i].After(cutoff) {
		i++
	}
	l.cycle = l.cycle[i:]
}

// TryAcquire consumes one token from both buckets if both bounds allow.
// Non-blocking: the 21st attempt inside a 20-per-cycle window is rejected,
// not queued.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.refillDaily(now)
	l.evictCycle(now)

	if l.daily <= 0 || len(l.cycle) >= l.cfg.MaxPerCycle {
		return false
	}
	l.daily--
	l.cycle = append(l.cycle, now)
	return true
}

// Acquire blocks until a token is available or ctx is cancelled. It wakes
// at the earlier of the next cycle-window eviction and the next daily
// refill, then recomputes.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		if err := l.sleep(ctx, l.nextWake()); err != nil {
			return err
		}
	}
}

// nextWake computes how long until a token could possibly free up: the
// earlier of the next cycle-window eviction and the next daily refill,
// floored at one second.
func (l *Limiter) nextWake() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	var candidates []time.Duration
	if len(l.cycle) >= l.cfg.MaxPerCycle {
		candidates = append(candidates,
			l.cycle[0].Add(time.Duration(l.cfg.CycleSeconds)*time.Second).Sub(now))
	}
	if l.daily <= 0 {
		candidates = append(candidates,
			l.lastRefill.Add(time.Duration(l.cfg.DaySeconds)*time.Second).Sub(now))
	}

	wait := time.Second
	for i, c := range candidates {
		if i == 0 || c < wait {
			wait = c
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Status reports both buckets after housekeeping.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.refillDaily(now)
	l.evictCycle(now)

	return Status{
		CycleRemaining: l.cfg.MaxPerCycle - len(l.cycle),
		CycleLimit:     l.cfg.MaxPerCycle,
		DailyRemaining: l.daily,
		DailyLimit:     l.cfg.MaxPerDay,
	}
}
