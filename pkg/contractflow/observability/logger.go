// Package observability provides structured logging, metrics, and tracing
// for contractflow workflows.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds workflow context to a logger.
// Returns a new logger with task_id and step fields.
func EnrichLogger(logger *slog.Logger, taskID, step string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("task_id", taskID),
		slog.String("step", step),
	)
}

// LogWorkflowStart logs the start of a workflow execution.
func LogWorkflowStart(logger *slog.Logger, taskID string, resumeIndex int) {
	if logger == nil {
		return
	}
	logger.Info("workflow starting",
		slog.String("task_id", taskID),
		slog.Int("resume_index", resumeIndex),
	)
}

// LogWorkflowComplete logs successful workflow completion.
func LogWorkflowComplete(logger *slog.Logger, taskID string, durationMs float64, executed, skipped int) {
	if logger == nil {
		return
	}
	logger.Info("workflow completed",
		slog.String("task_id", taskID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_executed", executed),
		slog.Int("steps_skipped", skipped),
	)
}

// LogWorkflowError logs workflow failure.
func LogWorkflowError(logger *slog.Logger, taskID string, err error, durationMs float64, failedStep string) {
	if logger == nil {
		return
	}
	logger.Error("workflow failed",
		slog.String("task_id", taskID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("failed_step", failedStep),
	)
}

// LogStepStart logs step execution start.
func LogStepStart(logger *slog.Logger, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting", slog.String("step", step))
}

// LogStepSkipped logs a step skipped because the run resumes past it.
func LogStepSkipped(logger *slog.Logger, step string, resumeIndex int) {
	if logger == nil {
		return
	}
	logger.Info("step skipped on resume",
		slog.String("step", step),
		slog.Int("resume_index", resumeIndex),
	)
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, step string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("step", step),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs step execution error.
func LogStepError(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

// LogCheckpoint logs checkpoint creation.
func LogCheckpoint(logger *slog.Logger, step string, percent int, checkpointID string) {
	if logger == nil {
		return
	}
	logger.Debug("checkpoint created",
		slog.String("step", step),
		slog.Int("progress_percent", percent),
		slog.String("checkpoint_id", checkpointID),
	)
}

// LogCheckpointError logs checkpoint failure (non-fatal).
func LogCheckpointError(logger *slog.Logger, step string, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint failed",
		slog.String("step", step),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogProgressError logs a failed progress delivery (non-fatal).
func LogProgressError(logger *slog.Logger, step string, path string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("progress update failed",
		slog.String("step", step),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// LogRetry logs a failed attempt that will be retried after delay.
func LogRetry(logger *slog.Logger, operation string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("operation failed, retrying",
		slog.String("operation", operation),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogRetryGiveUp logs the final failure of a retried operation.
func LogRetryGiveUp(logger *slog.Logger, operation string, attempt int, retryable bool, err error) {
	if logger == nil {
		return
	}
	logger.Error("operation failed",
		slog.String("operation", operation),
		slog.Int("attempts", attempt),
		slog.Bool("retryable", retryable),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
