package util

import (
	"context"
	"math/rand"
	"time"
)

// Backoff produces capped exponential delays for retry and polling loops.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the delay before the given attempt (0-based), with up to
// 25% jitter so concurrent pollers spread out.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			d = b.Cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d - jitter
}

// Retry runs fn up to attempts times, sleeping per the backoff between
// tries. Only errors the classifier reports as retryable are retried;
// everything else, and context cancellation, surfaces immediately.
func Retry(ctx context.Context, attempts int, b Backoff, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(b.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}
