package contract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
	"github.com/randalmurphal/contractflow/pkg/contractflow/recovery"
	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
)

// DefaultQualityThreshold is the lowest document quality score accepted
// without manual review.
const DefaultQualityThreshold = 0.5

// Request describes one run of the pipeline.
type Request struct {
	SessionID string
	// ResumeFrom is a step name or its failed variant. Empty runs every step.
	ResumeFrom string
	State      State
}

// Result reports what a run did.
type Result struct {
	State       State
	ResumeIndex int
	Executed    []string
	Skipped     []string
	// Failure is set when a step failed. Failure.Step is the resume point
	// for the next attempt.
	Failure *contractflow.Failure
	// Checks holds the outcome of each validation check the run reached,
	// keyed by step. Checks of skipped steps are recorded as passed.
	Checks map[string]bool
}

// Workflow runs the contract-analysis pipeline. A Workflow holds no
// per-task state and may run many tasks concurrently.
type Workflow struct {
	exec             Executors
	logger           *slog.Logger
	sink             contractflow.ProgressSink
	metrics          observability.MetricsRecorder
	spans            observability.SpanManager
	retries          *retry.Manager
	qualityThreshold float64
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithProgressSink sets where progress is published besides the tracker.
func WithProgressSink(sink contractflow.ProgressSink) Option {
	return func(w *Workflow) {
		w.sink = sink
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(w *Workflow) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithTracing enables step spans.
func WithTracing(spans observability.SpanManager) Option {
	return func(w *Workflow) {
		if spans != nil {
			w.spans = spans
		}
	}
}

// WithRetries retries the steps that call external services, using the
// manager's policy for each step's category. See StepCategory.
func WithRetries(m *retry.Manager) Option {
	return func(w *Workflow) {
		w.retries = m
	}
}

// WithQualityThreshold overrides DefaultQualityThreshold.
func WithQualityThreshold(score float64) Option {
	return func(w *Workflow) {
		w.qualityThreshold = score
	}
}

// NewWorkflow creates a Workflow over exec.
func NewWorkflow(exec Executors, opts ...Option) *Workflow {
	w := &Workflow{
		exec:             exec,
		logger:           slog.Default(),
		metrics:          observability.NoopMetrics{},
		spans:            observability.NoopSpanManager{},
		qualityThreshold: DefaultQualityThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the pipeline for t's task. Progress goes to the tracker and
// the configured sink; a checkpoint is written through the tracker after
// every successful step. A step error is returned unchanged alongside a
// Result whose Failure names the resume point.
func (w *Workflow) Run(ctx context.Context, t recovery.Tracker, req Request) (Result, error) {
	logger := w.logger.With("task_id", t.TaskID())
	fctx := contractflow.NewContext(ctx,
		contractflow.WithLogger(logger),
		contractflow.WithTaskID(t.TaskID()),
		contractflow.WithSessionID(req.SessionID),
	)

	emitterOpts := []contractflow.EmitterOption{
		contractflow.WithPersist(trackerPersist(t)),
		contractflow.WithEmitterLogger(logger),
	}
	if w.sink != nil {
		emitterOpts = append(emitterOpts, contractflow.WithSink(w.sink))
	}
	emitter := contractflow.NewProgressEmitter(req.SessionID, t.TaskID(), emitterOpts...)

	seq := contractflow.NewSequencer[State](Order,
		contractflow.WithSequencerLogger(logger),
		contractflow.WithProgressEmitter(emitter),
		contractflow.WithCheckpointer(t),
		contractflow.WithMetrics(w.metrics),
		contractflow.WithTracing(w.spans),
		contractflow.WithResumeFrom(req.ResumeFrom),
	)

	checks := make(map[string]bool)
	seq.AfterStep(StepValidateDocumentQuality, w.checkQuality(seq, checks))
	seq.AfterStep(StepValidateTermsCompleteness, checkTerms(seq, checks))

	final, err := seq.Run(fctx, req.State, w.steps())
	res := Result{
		State:       final,
		ResumeIndex: seq.ResumeIndex(),
		Executed:    seq.Executed(),
		Skipped:     seq.Skipped(),
		Checks:      checks,
	}
	if f, ok := seq.LastFailure(); ok {
		res.Failure = &f
	}
	return res, err
}

// steps binds executors to step names, adding retries.
func (w *Workflow) steps() map[string]StepFunc {
	steps := stepFuncs(w.exec)
	for name, fn := range steps {
		steps[name] = w.withRetry(name, fn)
	}
	return steps
}

func (w *Workflow) withRetry(step string, fn StepFunc) StepFunc {
	category, ok := StepCategory(step)
	if w.retries == nil || !ok {
		return fn
	}
	policy := w.retries.Policy(category)
	return func(ctx contractflow.Context, s State) (State, error) {
		return retry.Do(ctx, w.retries, step, policy, func(context.Context) (State, error) {
			return fn(ctx, s)
		})
	}
}

// checkQuality flags the document for manual review when its quality score
// is under the threshold. The flag is part of the step's checkpoint. On
// resume past the step the check passes and the restored state is kept.
func (w *Workflow) checkQuality(seq *contractflow.Sequencer[State], checks map[string]bool) func(contractflow.Context, State) State {
	return func(ctx contractflow.Context, s State) State {
		ok := seq.Check(StepValidateDocumentQuality, func() bool {
			return s.QualityScore >= w.qualityThreshold
		})
		checks[StepValidateDocumentQuality] = ok
		if ok {
			return s
		}
		ctx.Logger().Warn("document quality below threshold",
			"quality_score", s.QualityScore,
			"threshold", w.qualityThreshold,
		)
		s.ManualReviewRequired = true
		return s.withWarning(fmt.Sprintf("document quality %.2f below %.2f, manual review required",
			s.QualityScore, w.qualityThreshold))
	}
}

// checkTerms records a warning naming the terms extraction missed.
func checkTerms(seq *contractflow.Sequencer[State], checks map[string]bool) func(contractflow.Context, State) State {
	return func(ctx contractflow.Context, s State) State {
		ok := seq.Check(StepValidateTermsCompleteness, func() bool {
			return len(s.MissingTerms) == 0
		})
		checks[StepValidateTermsCompleteness] = ok
		if ok {
			return s
		}
		ctx.Logger().Warn("contract terms incomplete", "missing_terms", s.MissingTerms)
		return s.withWarning("missing contract terms: " + strings.Join(s.MissingTerms, ", "))
	}
}

// trackerPersist records progress on the task registry through t.
func trackerPersist(t recovery.Tracker) contractflow.PersistFunc {
	return func(ctx context.Context, u contractflow.ProgressUpdate) error {
		t.UpdateProgress(ctx, u.Percent, u.Step, u.Description)
		return nil
	}
}
