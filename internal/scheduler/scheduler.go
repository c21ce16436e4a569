package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval boundary with the bucket start.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Job names a recurring task and its cadence. Aligned jobs fire on wall
// clock multiples of the interval, so replicas tick on the same buckets.
type Job struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	Run          TickFunc
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
}

// Scheduler drives recurring jobs. A failed tick is logged and the loop
// keeps going.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, ticking the job until ctx is cancelled. Call once per job,
// typically from its own goroutine.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if job.Interval <= 0 {
		panic("scheduler job interval must be positive")
	}
	logger := s.logger.With().Str("job", job.Name).Logger()

	if s.opts.StartupDelay > 0 {
		if err := sleepCtx(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := nextTick(job, time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = nextTick(job, time.Now().UTC())
			delay = time.Until(next)
		}

		logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}

		bucket := bucketStart(job, next)
		if err := job.Run(ctx, bucket); err != nil {
			logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}

		next = next.Add(job.Interval)
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

func nextTick(job Job, now time.Time) time.Time {
	if !job.AlignToStart {
		return now.Add(job.Interval)
	}
	bucket := now.Truncate(job.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(job.Interval)
	}
	return bucket
}

func bucketStart(job Job, t time.Time) time.Time {
	if !job.AlignToStart {
		return t
	}
	return t.Truncate(job.Interval)
}
