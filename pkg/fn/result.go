package fn

// Result carries either the output of a Stage or the error that stopped it.
type Result[T any] struct {
	val T
	err error
}

// Ok wraps a stage output.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v}
}

// Err wraps a stage failure. A nil err is treated as a failure with no
// cause, so callers must not pass one.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Failed reports whether the stage stopped with an error.
func (r Result[T]) Failed() bool { return r.err != nil }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }
