package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = errors.New("vision backend returned 503")

func failing(context.Context) error { return errUpstream }
func succeeding(context.Context) error { return nil }

// manualClock lets tests move a breaker past its open timeout.
type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedBreaker(opts BreakerOpts) (*Breaker, *manualClock) {
	clk := &manualClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	b := NewBreaker(opts)
	b.now = clk.now
	return b, clk
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerOpts{})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
	if b.opts.FailThreshold != 5 || b.opts.Timeout != 30*time.Second || b.opts.HalfOpenMax != 1 {
		t.Fatalf("defaults not applied: %+v", b.opts)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, succeeding)
	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("a success must reset the count, got %v", b.State())
	}

	if err := b.Call(ctx, failing); !errors.Is(err, errUpstream) {
		t.Fatalf("expected the call's own error, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("expected rejection without a call, got %v (called=%v)", err, called)
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	tests := []struct {
		name  string
		trial func(context.Context) error
		want  State
	}{
		{"success closes", succeeding, StateClosed},
		{"failure reopens", failing, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, clk := newClockedBreaker(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
			ctx := context.Background()
			_ = b.Call(ctx, failing)
			_ = b.Call(ctx, failing)

			clk.advance(4 * time.Second)
			if b.State() != StateOpen {
				t.Fatalf("expected open before timeout, got %v", b.State())
			}
			clk.advance(time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %v", b.State())
			}

			_ = b.Call(ctx, tc.trial)
			if b.State() != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, b.State())
			}
		})
	}
}

func TestBreakerLimitsConcurrentTrials(t *testing.T) {
	b, clk := newClockedBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second, HalfOpenMax: 1})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	clk.advance(time.Second)

	inTrial := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			close(inTrial)
			<-release
			return nil
		})
	}()
	<-inTrial
	if err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second trial call must be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerShouldTrip(t *testing.T) {
	rejected := errors.New("400 bad request")
	b := NewBreaker(BreakerOpts{
		FailThreshold: 2,
		Timeout:       time.Second,
		ShouldTrip:    func(err error) bool { return errors.Is(err, errUpstream) },
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Call(ctx, func(context.Context) error { return rejected }); !errors.Is(err, rejected) {
			t.Fatalf("expected the call's own error, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("rejections must not trip the breaker, got %v", b.State())
	}

	_ = b.Call(ctx, failing)
	_ = b.Call(ctx, failing)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second})
	_ = b.Call(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Fatalf("cancellation must not trip the breaker, got %v", b.State())
	}
}

func TestBreakerReportsTransitions(t *testing.T) {
	var seen []string
	b, clk := newClockedBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       time.Second,
		OnStateChange: func(from, to State) { seen = append(seen, from.String()+">"+to.String()) },
	})
	ctx := context.Background()
	_ = b.Call(ctx, failing)
	clk.advance(time.Second)
	_ = b.Call(ctx, succeeding)
	_ = b.Call(ctx, succeeding)

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}
