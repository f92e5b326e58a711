package observability

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records contractflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStepExecution records an executed step with its duration and error status.
	RecordStepExecution(ctx context.Context, step string, duration time.Duration, err error)

	// RecordStepSkipped records a step skipped because the run resumed past it.
	RecordStepSkipped(ctx context.Context, step string)

	// RecordCheckpoint records a checkpoint written after a step.
	RecordCheckpoint(ctx context.Context, step string, percent int)

	// RecordRetryAttempt records one attempt of a retried operation.
	RecordRetryAttempt(ctx context.Context, operation string, attempt int, err error)

	// RecordTaskOutcome records the terminal state of a task.
	RecordTaskOutcome(ctx context.Context, state string)
}

// NoopMetrics discards everything. It is the default recorder of the
// sequencer, workflow, registry and retry manager.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordStepExecution(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordStepSkipped(context.Context, string)                         {}
func (NoopMetrics) RecordCheckpoint(context.Context, string, int)                     {}
func (NoopMetrics) RecordRetryAttempt(context.Context, string, int, error)            {}
func (NoopMetrics) RecordTaskOutcome(context.Context, string)                         {}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepExecutions metric.Int64Counter
	stepLatency    metric.Float64Histogram
	stepErrors     metric.Int64Counter
	stepSkips      metric.Int64Counter
	checkpoints    metric.Int64Counter
	retryAttempts  metric.Int64Counter
	taskOutcomes   metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("contractflow")

	stepExecutions, err := meter.Int64Counter("contractflow.step.executions",
		metric.WithDescription("Number of executed workflow steps"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("contractflow.step.latency_ms",
		metric.WithDescription("Step execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("contractflow.step.errors",
		metric.WithDescription("Number of failed workflow steps"),
	)
	if err != nil {
		return nil, err
	}

	stepSkips, err := meter.Int64Counter("contractflow.step.skipped",
		metric.WithDescription("Number of steps skipped on resume"),
	)
	if err != nil {
		return nil, err
	}

	checkpoints, err := meter.Int64Counter("contractflow.checkpoints",
		metric.WithDescription("Number of checkpoints created"),
	)
	if err != nil {
		return nil, err
	}

	retryAttempts, err := meter.Int64Counter("contractflow.retry.attempts",
		metric.WithDescription("Number of attempts made by the retry manager"),
	)
	if err != nil {
		return nil, err
	}

	taskOutcomes, err := meter.Int64Counter("contractflow.task.outcomes",
		metric.WithDescription("Number of tasks reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepExecutions: stepExecutions,
		stepLatency:    stepLatency,
		stepErrors:     stepErrors,
		stepSkips:      stepSkips,
		checkpoints:    checkpoints,
		retryAttempts:  retryAttempts,
		taskOutcomes:   taskOutcomes,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider; configure it with
// otel.SetMeterProvider before calling this function.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordStepExecution records a step execution.
func (m *otelMetrics) RecordStepExecution(ctx context.Context, step string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("step", step))

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.stepErrors.Add(ctx, 1, attrs)
	}
}

// RecordStepSkipped records a skipped step.
func (m *otelMetrics) RecordStepSkipped(ctx context.Context, step string) {
	m.stepSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordCheckpoint records a checkpoint.
func (m *otelMetrics) RecordCheckpoint(ctx context.Context, step string, percent int) {
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.Int("progress_percent", percent),
	))
}

// RecordRetryAttempt records a retry attempt.
func (m *otelMetrics) RecordRetryAttempt(ctx context.Context, operation string, attempt int, err error) {
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("attempt", strconv.Itoa(attempt)),
		attribute.Bool("success", err == nil),
	))
}

// RecordTaskOutcome records a terminal task state.
func (m *otelMetrics) RecordTaskOutcome(ctx context.Context, state string) {
	m.taskOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
