package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options tune the sliding-window limiter.
type Options struct {
	// MaxRequests admitted inside any trailing Window. Defaults to 55,
	// kept under the broker's hard 60/min ceiling for margin.
	MaxRequests int
	// Window is the trailing admission window. Defaults to 60s.
	Window time.Duration
	// SafetyMargin pads the computed wait so a re-check lands strictly
	// after the oldest timestamp has aged out. Minimum 50ms.
	SafetyMargin time.Duration
}

// Limiter admits callers under a trailing-window request budget. Acquire
// blocks until a slot frees up. Several waiters released together may each
// take a slot, transiently overshooting the cap; the cap's margin under the
// broker's true limit absorbs that.
type Limiter struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	stamps  []time.Time
	pending int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Limiter from options, applying defaults.
func New(opts Options, logger zerolog.Logger) *Limiter {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = 55
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.SafetyMargin < 50*time.Millisecond {
		opts.SafetyMargin = 50 * time.Millisecond
	}
	return &Limiter{
		opts:   opts,
		logger: logger.With().Str("component", "ratelimit").Logger(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire blocks until a request slot is available inside the trailing
// window, then records the admission timestamp. Returns early with the
// context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.pending--
		l.mu.Unlock()
	}()

	for {
		wait, ok := l.tryAdmit()
		if ok {
			return nil
		}

		l.logger.Debug().Dur("wait", wait).Msg("window full, waiting for slot")
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAdmit prunes expired stamps and either records an admission or returns
// how long until the oldest stamp ages out of the window.
func (l *Limiter) tryAdmit() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.opts.Window)
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep

	if len(l.stamps) < l.opts.MaxRequests {
		l.stamps = append(l.stamps, now)
		return 0, true
	}

	wait := l.stamps[0].Add(l.opts.Window).Sub(now) + l.opts.SafetyMargin
	if wait < l.opts.SafetyMargin {
		wait = l.opts.SafetyMargin
	}
	return wait, false
}

// Pending returns the number of callers currently inside Acquire.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// InWindow returns the number of admissions recorded inside the current
// trailing window without pruning.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.opts.Window)
	n := 0
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
