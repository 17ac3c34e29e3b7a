// Package resilience guards calls to external capabilities with a circuit
// breaker and a token-bucket rate limiter.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the position of a Breaker.
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls are rejected until Timeout elapses
	StateHalfOpen              // a limited number of trial calls pass
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling f while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker. Zero fields take the values of
// DefaultBreakerOpts.
type BreakerOpts struct {
	// FailThreshold is how many consecutive counted failures open the
	// breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
	// ShouldTrip decides whether an error counts as a failure. Nil counts
	// every error. Errors that do not count leave the breaker unchanged.
	// Cancellation never counts.
	ShouldTrip func(error) bool
	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker locked and must not call back into it.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts opens after five transient failures and tries again
// after thirty seconds.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a consecutive-failure circuit breaker. It is safe for
// concurrent use.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	trials   int
	now      func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh()
}

// Call runs f unless the breaker rejects it, then records the outcome.
// f's error is always returned unchanged.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := f(ctx)
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.refresh() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.trials >= b.opts.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.trials++
	}
	return nil
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || !b.counts(err) {
		// success, or a failure that says nothing about the remote's health
		b.failures = 0
		if b.state == StateHalfOpen {
			b.moveTo(StateClosed)
		}
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
		b.failures = 0
		b.openedAt = b.now()
		b.moveTo(StateOpen)
	}
}

// refresh must be called with mu held.
func (b *Breaker) refresh() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.moveTo(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) moveTo(s State) {
	from := b.state
	b.state = s
	b.trials = 0
	if from != s && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, s)
	}
}

func (b *Breaker) counts(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return b.opts.ShouldTrip == nil || b.opts.ShouldTrip(err)
}
