package fn

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/WessleyAI/estate-rag/pkg/fn"

// Stage is a function that transforms In to Out within a context.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then composes two stages, short-circuiting on error.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.IsErr() {
			return Err[C](r.err)
		}
		if err := ctx.Err(); err != nil {
			return Err[C](err)
		}
		return second(ctx, r.val)
	}
}

// TracedStage runs stage inside an OTel span named name and logs its
// duration and outcome.
func TracedStage[In, Out any](name string, log *slog.Logger, stage Stage[In, Out]) Stage[In, Out] {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name)
		defer span.End()
		start := time.Now()
		result := stage(ctx, in)
		if result.IsErr() {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
			log.Warn("stage failed", "stage", name, "duration", time.Since(start), "err", result.err)
			return result
		}
		log.Info("stage done", "stage", name, "duration", time.Since(start))
		return result
	}
}
