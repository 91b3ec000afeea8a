package match

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("beamgridgo.match")
	meter  = otel.Meter("beamgridgo.match")
)

var (
	iterationsTotal metric.Int64Counter
	jacobianTotal   metric.Int64Counter
	penaltyHist     metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		iterationsTotal, err = meter.Int64Counter(
			"match_iterations_total",
			metric.WithDescription("Optimizer iterations performed"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		jacobianTotal, err = meter.Int64Counter(
			"match_jacobian_evaluations_total",
			metric.WithDescription("Perturbed line evaluations for finite-difference Jacobians"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		penaltyHist, err = meter.Float64Histogram(
			"match_penalty",
			metric.WithDescription("Penalty after each accepted iteration"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startSolveSpan(ctx context.Context, name, runID string, knobs, targets int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "match.Solve",
		trace.WithAttributes(
			attribute.String("match.name", name),
			attribute.String("match.run_id", runID),
			attribute.Int("match.knobs", knobs),
			attribute.Int("match.targets", targets),
		),
	)
}

func recordIteration(ctx context.Context, name string, penalty float64) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("match", name))
	iterationsTotal.Add(ctx, 1, attrs)
	penaltyHist.Record(ctx, penalty, attrs)
}

func recordJacobian(ctx context.Context, name string, evaluations int) {
	if err := initMetrics(); err != nil {
		return
	}
	jacobianTotal.Add(ctx, int64(evaluations), metric.WithAttributes(attribute.String("match", name)))
}
