package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/captain/pkg/gate"
	"github.com/zen-systems/captain/pkg/task"
)

const tracerName = "github.com/zen-systems/captain/pkg/orchestrator"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func startTaskSpan(ctx context.Context, intent task.Intent, correlationID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "task")
	span.SetAttributes(
		attribute.String("task.id", intent.ID),
		attribute.String("task.title", intent.Title),
		attribute.String("task.correlation_id", correlationID),
	)
	return ctx, span
}

func endTaskSpan(span trace.Span, outcome string, iterations int, cost float64, err error) {
	span.SetAttributes(
		attribute.String("task.outcome", outcome),
		attribute.Int("task.iterations", iterations),
		attribute.Float64("task.cost_usd", cost),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func startIterationSpan(ctx context.Context, iteration int, kind string, checkpointID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "iteration")
	span.SetAttributes(
		attribute.Int("iteration", iteration),
		attribute.String("hat", kind),
		attribute.String("checkpoint.id", checkpointID),
	)
	return ctx, span
}

func endIterationSpan(span trace.Span, topic string, err error) {
	if topic != "" {
		span.SetAttributes(attribute.String("outcome.topic", topic))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func traceGate(ctx context.Context, strategy gate.Strategy, verdict gate.Verdict) {
	_, span := tracer().Start(ctx, "gate.evaluate")
	span.SetAttributes(
		attribute.Int("gate.tier", int(strategy.Tier)),
		attribute.Bool("gate.passed", verdict.Passed),
		attribute.StringSlice("gate.reasons", verdict.Reasons),
	)
	span.End()
}
