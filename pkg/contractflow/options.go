package contractflow

import (
	"log/slog"

	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
)

// sequencerConfig holds the collaborators of a Sequencer.
type sequencerConfig struct {
	logger       *slog.Logger
	emitter      Emitter
	checkpointer Checkpointer
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	resumeFrom   string
}

func defaultSequencerConfig() sequencerConfig {
	return sequencerConfig{
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*sequencerConfig)

// WithSequencerLogger sets the logger used outside step execution, such as
// when resolving the resume target. Step logs go to the Context logger.
func WithSequencerLogger(logger *slog.Logger) SequencerOption {
	return func(c *sequencerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgressEmitter sets where step progress is reported.
func WithProgressEmitter(e Emitter) SequencerOption {
	return func(c *sequencerConfig) {
		c.emitter = e
	}
}

// WithCheckpointer sets where checkpoints are written after each step.
func WithCheckpointer(cp Checkpointer) SequencerOption {
	return func(c *sequencerConfig) {
		c.checkpointer = cp
	}
}

// WithMetrics sets the metrics recorder.
// Default: observability.NoopMetrics{}
func WithMetrics(m observability.MetricsRecorder) SequencerOption {
	return func(c *sequencerConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables step spans through the given span manager.
//
// Example:
//
//	seq := contractflow.NewSequencer[State](order,
//	    contractflow.WithTracing(observability.NewSpanManager()))
func WithTracing(spans observability.SpanManager) SequencerOption {
	return func(c *sequencerConfig) {
		if spans != nil {
			c.spans = spans
		}
	}
}

// WithResumeFrom resolves a resume target at construction.
// Equivalent to calling InitializeResume on the new Sequencer.
func WithResumeFrom(step string) SequencerOption {
	return func(c *sequencerConfig) {
		c.resumeFrom = step
	}
}
