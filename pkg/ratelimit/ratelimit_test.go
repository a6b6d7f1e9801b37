package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock steps time by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCycleBoundaryTwentyFirstRejected(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimitConfig{MaxPerCycle: 20, CycleSeconds: 60, MaxPerDay: 100}).WithClock(clock.Now)

	for i := 0; i < 20; i++ {
		require.True(t, l.TryAcquire(), "acquisition %d should pass", i+1)
	}
	assert.False(t, l.TryAcquire(), "21st acquisition must be rejected")

	// The next cycle restores the full window.
	clock.Advance(61 * time.Second)
	for i := 0; i < 20; i++ {
		require.True(t, l.TryAcquire())
	}
	assert.False(t, l.TryAcquire())
}

func TestDailyBudgetExhaustion(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimitConfig{MaxPerCycle: 10, CycleSeconds: 1, MaxPerDay: 15}).WithClock(clock.Now)

	granted := 0
	for i := 0; i < 30; i++ {
		if l.TryAcquire() {
			granted++
		}
		clock.Advance(2 * time.Second) // always outside the cycle window
	}
	assert.Equal(t, 15, granted, "daily ceiling binds even when cycles clear")

	// A full day later the budget refills.
	clock.Advance(24 * time.Hour)
	assert.True(t, l.TryAcquire())
}

func TestStatusReportsBothBuckets(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimitConfig{}).WithClock(clock.Now)

	require.True(t, l.TryAcquire())
	require.True(t, l.TryAcquire())

	st := l.Status()
	assert.Equal(t, 18, st.CycleRemaining)
	assert.Equal(t, 20, st.CycleLimit)
	assert.Equal(t, 98, st.DailyRemaining)
	assert.Equal(t, 100, st.DailyLimit)
}

func TestAcquireBlocksUntilEviction(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimitConfig{MaxPerCycle: 1, CycleSeconds: 60, MaxPerDay: 100}).WithClock(clock.Now)
	l.sleep = func(ctx context.Context, d time.Duration) error {
		// The wake target is the cycle eviction, not the floor.
		assert.Equal(t, 60*time.Second, d)
		clock.Advance(d)
		return nil
	}

	require.True(t, l.TryAcquire())
	require.NoError(t, l.Acquire(context.Background()))
}

func TestAcquireHonorsCancellation(t *testing.T) {
	clock := newManualClock()
	l := NewLimiter(LimitConfig{MaxPerCycle: 1, CycleSeconds: 60}).WithClock(clock.Now)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.Canceled)
}

func TestLimiterConcurrentCallers(t *testing.T) {
	l := NewLimiter(LimitConfig{MaxPerCycle: 50, CycleSeconds: 60, MaxPerDay: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, granted)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	clock := newManualClock()
	b := NewBackoff(time.Second, 8*time.Second).WithClock(clock.Now)

	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next(), "capped at max")
}

func TestBackoffIdleReset(t *testing.T) {
	clock := newManualClock()
	b := NewBackoff(time.Second, time.Minute).WithClock(clock.Now)

	b.Next()
	b.Next()
	clock.Advance(61 * time.Second)
	assert.Equal(t, time.Second, b.Next(), "resets after 60s of disuse")
}

func TestBackoffExplicitReset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}
