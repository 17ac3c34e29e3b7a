package fn

import (
	"context"
	"sync"
)

// FanOut runs every call concurrently with the same context and returns
// their results in argument order once all of them have returned.
func FanOut[T any](ctx context.Context, calls ...func(context.Context) T) []T {
	out := make([]T, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		go func() {
			defer wg.Done()
			out[i] = call(ctx)
		}()
	}
	wg.Wait()
	return out
}
