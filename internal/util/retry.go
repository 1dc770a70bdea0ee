package util

import (
	"context"
	"errors"
	"time"
)

// Backoff computes exponential delays: Base, 2*Base, 4*Base ... capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given retry (1 = first retry).
func (b Backoff) Delay(retry int) time.Duration {
	if b.Base <= 0 || retry <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Decision tells RetryWithPolicy what to do with a failed attempt.
type Decision struct {
	Retry bool
	// Pause, when positive, waits this long instead of the backoff delay and
	// does not count against MaxAttempts.
	Pause time.Duration
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	MaxPauses   int
	Backoff     Backoff
	Classify    func(error) Decision
	// OnRetry is called before every wait.
	OnRetry func(attempt int, err error, wait time.Duration)
	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RetryStats describes how much of a policy a call consumed.
type RetryStats struct {
	Attempts int
	Pauses   int
}

// ErrPausesExhausted is returned when a call keeps asking for pauses.
var ErrPausesExhausted = errors.New("retry pauses exhausted")

// RetryWithPolicy calls fn until it succeeds, the classifier rejects the error,
// MaxAttempts failures have been retried away, or ctx is done.
func RetryWithPolicy[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, RetryStats, error) {
	var zero T
	var stats RetryStats
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Decision { return Decision{Retry: true} }
	}

	for {
		if err := ctx.Err(); err != nil {
			return zero, stats, err
		}
		stats.Attempts++
		result, err := fn(ctx)
		if err == nil {
			return result, stats, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, stats, err
		}

		d := classify(err)
		if !d.Retry {
			return zero, stats, err
		}

		var wait time.Duration
		if d.Pause > 0 {
			// paused attempts are refunded
			stats.Attempts--
			stats.Pauses++
			if stats.Pauses > p.MaxPauses {
				return zero, stats, errors.Join(ErrPausesExhausted, err)
			}
			wait = d.Pause
		} else {
			if stats.Attempts >= maxAttempts {
				return zero, stats, err
			}
			wait = p.Backoff.Delay(stats.Attempts)
		}

		if p.OnRetry != nil {
			p.OnRetry(stats.Attempts+stats.Pauses, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, stats, err
		}
	}
}

// RetryErrWithPolicy is RetryWithPolicy for functions without a result.
func RetryErrWithPolicy(ctx context.Context, p Policy, fn func(context.Context) error) (RetryStats, error) {
	_, stats, err := RetryWithPolicy(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return stats, err
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
