package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts describes the backoff schedule for one class of failure.
type RetryOpts struct {
	// MaxAttempts counts the first call. Values below 2 mean no retry.
	MaxAttempts int
	InitialWait time.Duration
	// MaxWait caps a single wait. Zero leaves it uncapped.
	MaxWait time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
}

// Backoff returns how long to wait after the given zero-based attempt failed.
func (o RetryOpts) Backoff(attempt int) time.Duration {
	wait := o.InitialWait
	for i := 0; i < attempt && (o.MaxWait <= 0 || wait < o.MaxWait); i++ {
		wait *= 2
	}
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 && wait > o.MaxWait {
		wait = o.MaxWait
	}
	return wait
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
