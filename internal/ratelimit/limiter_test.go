package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter deterministically: sleeping advances time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(Options{MaxRequests: limit, Window: window}, zerolog.Nop())
	l.now = clock.Now
	l.sleep = clock.Sleep
	return l, clock
}

func TestAcquireUnderCapDoesNotBlock(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)
	start := clock.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	require.Equal(t, start, clock.Now(), "no waiting expected under cap")
	require.Equal(t, 3, l.InWindow())
}

func TestAcquireWaitsForOldestToExpire(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))

	before := clock.Now()
	require.NoError(t, l.Acquire(context.Background()))
	waited := clock.Now().Sub(before)

	require.GreaterOrEqual(t, waited, time.Minute, "third call must outwait the window")
}

func TestWindowNeverExceedsCap(t *testing.T) {
	const limit = 5
	l, _ := newTestLimiter(limit, time.Minute)

	for i := 0; i < 23; i++ {
		require.NoError(t, l.Acquire(context.Background()))
		require.LessOrEqual(t, l.InWindow(), limit)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := New(Options{MaxRequests: 1, Window: time.Minute}, zerolog.Nop())
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPendingCountsWaiters(t *testing.T) {
	l := New(Options{MaxRequests: 1, Window: time.Minute}, zerolog.Nop())
	require.NoError(t, l.Acquire(context.Background()))
	require.Equal(t, 0, l.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Acquire(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return l.Pending() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, 0, l.Pending())
}
