package fn

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/WessleyAI/meterscan/pkg/fn"

// Stage is one step of a request pipeline.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then runs second on the output of first. A failed first stage is
// returned as is and second never runs.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.Failed() {
			return Err[C](r.err)
		}
		return second(ctx, r.val)
	}
}

// TracedStage runs stage inside a span named name. Failures are recorded on
// the span together with the label returned by classify, when given.
func TracedStage[In, Out any](name string, stage Stage[In, Out], classify ...func(error) string) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name)
		defer span.End()
		span.SetAttributes(attribute.String("pipeline.stage", name))

		result := stage(ctx, in)
		if result.Failed() {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
			for _, c := range classify {
				span.SetAttributes(attribute.String("error.kind", c(result.err)))
			}
		}
		return result
	}
}
