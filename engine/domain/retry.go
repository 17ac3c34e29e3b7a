package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/meterscan/pkg/fn"
)

// RetryPolicy bounds how often a failed external call is repeated. Only the
// kinds present in PerKind are retried; each kind carries its own backoff.
type RetryPolicy struct {
	PerKind map[Kind]fn.RetryOpts
	// OnRetry, when set, observes every scheduled retry.
	OnRetry func(op string, kind Kind, attempt int, wait time.Duration)
}

// DefaultRetryPolicy retries the two transient kinds with jittered
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		PerKind: map[Kind]fn.RetryOpts{
			StoreUnavailable: {
				MaxAttempts: 4,
				InitialWait: 200 * time.Millisecond,
				MaxWait:     5 * time.Second,
				Jitter:      true,
			},
			CapabilityUnavailable: {
				MaxAttempts: 3,
				InitialWait: 500 * time.Millisecond,
				MaxWait:     5 * time.Second,
				Jitter:      true,
			},
		},
	}
}

// NoRetry runs every call exactly once.
func NoRetry() RetryPolicy { return RetryPolicy{} }

// Call describes one external call made under a RetryPolicy.
type Call struct {
	Op string
	// Timeout bounds a single attempt. Zero means no per-attempt limit.
	Timeout time.Duration
	// Unavailable is the kind assigned to timed-out attempts and to
	// untyped errors.
	Unavailable Kind
}

// Do runs f until it succeeds, fails with a kind the policy does not retry,
// exhausts that kind's attempts, or ctx is done. The returned error is
// always an *Error.
func (p RetryPolicy) Do(ctx context.Context, c Call, f func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return E(c.Unavailable, c.Op, "canceled before call", err)
		}
		err := p.attempt(ctx, c, f)
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		opts, ok := p.PerKind[kind]
		if !ok || attempt+1 >= opts.MaxAttempts || ctx.Err() != nil {
			return err
		}
		wait := opts.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(c.Op, kind, attempt+1, wait)
		}
		if serr := fn.Sleep(ctx, wait); serr != nil {
			return E(kind, c.Op, "canceled during backoff after: "+err.Error(), serr)
		}
	}
}

func (p RetryPolicy) attempt(ctx context.Context, c Call, f func(context.Context) error) error {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	err := f(actx)
	switch {
	case err == nil:
		return nil
	case KindOf(err) != "":
		return err
	case ctx.Err() != nil:
		return E(c.Unavailable, c.Op, "canceled", ctx.Err())
	case actx.Err() != nil:
		return E(c.Unavailable, c.Op, fmt.Sprintf("attempt timed out after %s", c.Timeout), err)
	default:
		return E(c.Unavailable, c.Op, "", err)
	}
}
