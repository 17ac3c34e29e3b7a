package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// GuardOpts configures a Guard.
type GuardOpts struct {
	// RatePerSecond is the sustained call rate. Zero disables limiting.
	RatePerSecond float64
	// Burst is the token bucket capacity.
	Burst   int
	Breaker BreakerOpts
}

// Guard rate-limits calls and runs them through a circuit breaker.
type Guard struct {
	limiter *rate.Limiter
	breaker *Breaker
}

// NewGuard creates a Guard.
func NewGuard(opts GuardOpts) *Guard {
	g := &Guard{breaker: NewBreaker(opts.Breaker)}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return g
}

// Do waits for a token, then calls f through the breaker. It returns
// ctx's error if ctx ends while waiting and ErrCircuitOpen while the
// breaker rejects calls.
func (g *Guard) Do(ctx context.Context, f func(context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return g.breaker.Call(ctx, f)
}

// State reports the breaker state.
func (g *Guard) State() State { return g.breaker.State() }
