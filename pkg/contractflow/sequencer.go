package contractflow

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
)

// StepFunc executes one step. It receives the current state and returns the
// next one. It must be safe to re-run after a crash.
type StepFunc[S any] func(ctx Context, state S) (S, error)

// Checkpointer writes a checkpoint for the running task.
// recovery.Context and registry-backed trackers implement it.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, data checkpoint.Data) (string, error)
}

// Snapshotter is implemented by states that contribute recoverable data to
// checkpoints.
type Snapshotter interface {
	Snapshot() map[string]any
}

// Failure describes the last failed step in resume-ready form.
type Failure struct {
	// Step is the failed variant of the step name, e.g. "extract_terms_failed".
	Step        string
	Percent     int
	Description string
	Err         error
}

// Sequencer drives one execution of a StepOrder.
// It is not safe for concurrent use; a task's steps run sequentially.
type Sequencer[S any] struct {
	order StepOrder
	cfg   sequencerConfig

	resumeIndex int
	resumeFrom  string

	executed    []string
	skipped     []string
	lastFailure *Failure

	after map[string]func(ctx Context, state S) S
}

// NewSequencer creates a Sequencer for order.
func NewSequencer[S any](order StepOrder, opts ...SequencerOption) *Sequencer[S] {
	cfg := defaultSequencerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Sequencer[S]{order: order, cfg: cfg}
	if cfg.resumeFrom != "" {
		s.InitializeResume(cfg.resumeFrom)
	}
	return s
}

// Order returns the step order.
func (s *Sequencer[S]) Order() StepOrder {
	return s.order
}

// InitializeResume resolves a resume target and returns its canonical
// position in the order. "x" and "x_failed" return the same position, but a
// failed target re-runs x while a completed one skips it. An empty target
// returns 0. An unknown target logs a warning and returns 0.
func (s *Sequencer[S]) InitializeResume(resumeFrom string) int {
	s.resumeFrom = resumeFrom
	s.resumeIndex = 0

	if resumeFrom == "" {
		return 0
	}

	canonical := CanonicalStep(resumeFrom)
	idx, ok := s.order.Index(canonical)
	if !ok {
		s.cfg.logger.Warn("unknown resume step, restarting from the beginning",
			"resume_from", resumeFrom,
			"canonical", canonical,
		)
		s.resumeFrom = ""
		return 0
	}

	if IsFailedStep(resumeFrom) {
		s.resumeIndex = idx
	} else {
		s.resumeIndex = idx + 1
	}

	s.cfg.logger.Info("resuming workflow",
		"resume_from", resumeFrom,
		"resume_index", s.resumeIndex,
	)
	return idx
}

// ResumeIndex returns the position of the first step that will execute.
func (s *Sequencer[S]) ResumeIndex() int {
	return s.resumeIndex
}

// ResumeFrom returns the resolved resume target, or "" for a fresh run.
func (s *Sequencer[S]) ResumeFrom() string {
	return s.resumeFrom
}

// Resuming reports whether any step will be skipped.
func (s *Sequencer[S]) Resuming() bool {
	return s.resumeIndex > 0
}

// ShouldSkip reports whether step sits before the resume index.
// Steps not in the order are never skipped.
func (s *Sequencer[S]) ShouldSkip(step string) bool {
	idx, ok := s.order.Index(step)
	if !ok {
		return false
	}
	return idx < s.resumeIndex
}

// Check evaluates a step's success condition. For a skipped step the
// condition is assumed to hold and evaluate is not called.
func (s *Sequencer[S]) Check(step string, evaluate func() bool) bool {
	if s.ShouldSkip(step) {
		return true
	}
	return evaluate()
}

// AfterStep registers fn to post-process step's state. fn runs for an
// executed step before its progress and checkpoint, and for a skipped step
// on the restored state. Checks inside fn go through Check.
func (s *Sequencer[S]) AfterStep(step string, fn func(ctx Context, state S) S) {
	if s.after == nil {
		s.after = make(map[string]func(Context, S) S)
	}
	s.after[step] = fn
}

// RunStep executes one step, or skips it when the run resumes past it.
//
// On success it emits progress and then writes a checkpoint; failures of
// either are logged and swallowed. On executor error it emits a
// "<step>_failed" update and returns the executor's error unchanged.
func (s *Sequencer[S]) RunStep(ctx Context, step string, state S, fn StepFunc[S]) (S, error) {
	if ctx == nil {
		return state, ErrNilContext
	}

	meta, ok := s.order.Step(step)
	if !ok {
		return state, &StepError{Step: step, Op: "lookup", Err: ErrUnknownStep}
	}

	if s.ShouldSkip(step) {
		observability.LogStepSkipped(ctx.Logger(), step, s.resumeIndex)
		s.cfg.metrics.RecordStepSkipped(ctx, step)
		s.skipped = append(s.skipped, step)
		if after := s.after[step]; after != nil {
			state = after(ctx, state)
		}
		return state, nil
	}

	spanCtx, span := s.cfg.spans.StartStepSpan(ctx, step)
	stepCtx := withStep(ctx, spanCtx, step)
	observability.LogStepStart(stepCtx.Logger(), step)

	start := time.Now()
	result, err := executeStep(stepCtx, step, state, fn)
	duration := time.Since(start)

	s.cfg.metrics.RecordStepExecution(stepCtx, step, duration, err)
	s.cfg.spans.EndSpanWithError(span, err)

	if err != nil {
		observability.LogStepError(stepCtx.Logger(), step, err)
		failed := FailedStep(step)
		s.lastFailure = &Failure{
			Step:        failed,
			Percent:     meta.Percent,
			Description: err.Error(),
			Err:         err,
		}
		s.emit(stepCtx, failed, meta.Percent, err.Error())
		return state, err
	}

	observability.LogStepComplete(stepCtx.Logger(), step, float64(duration.Milliseconds()))
	s.executed = append(s.executed, step)
	if after := s.after[step]; after != nil {
		result = after(stepCtx, result)
	}

	s.emit(stepCtx, step, meta.Percent, meta.Description)
	s.checkpoint(stepCtx, meta, result)

	return result, nil
}

// Run executes every step of the order in sequence with the executors in
// steps. It stops at the first executor error and returns it unchanged. When
// ctx is cancelled between steps, Run stops and returns the cancellation
// cause.
func (s *Sequencer[S]) Run(ctx Context, state S, steps map[string]StepFunc[S]) (S, error) {
	if ctx == nil {
		return state, ErrNilContext
	}
	for _, name := range s.order.Names() {
		if steps[name] == nil {
			return state, &StepError{Step: name, Op: "lookup", Err: ErrMissingExecutor}
		}
	}

	spanCtx, span := s.cfg.spans.StartWorkflowSpan(ctx, "contractflow", ctx.TaskID())
	runCtx := &executionContext{
		Context:   spanCtx,
		logger:    ctx.Logger(),
		taskID:    ctx.TaskID(),
		sessionID: ctx.SessionID(),
	}

	timer := observability.TimedOperation()
	observability.LogWorkflowStart(ctx.Logger(), ctx.TaskID(), s.resumeIndex)

	var err error
	for _, name := range s.order.Names() {
		if runCtx.Err() != nil {
			err = context.Cause(runCtx)
			ctx.Logger().Info("workflow stopped before step", "step", name, "cause", err.Error())
			s.cfg.spans.EndSpanWithError(span, err)
			return state, err
		}
		state, err = s.RunStep(runCtx, name, state, steps[name])
		if err != nil {
			observability.LogWorkflowError(ctx.Logger(), ctx.TaskID(), err, timer(), name)
			s.cfg.spans.EndSpanWithError(span, err)
			return state, err
		}
	}

	observability.LogWorkflowComplete(ctx.Logger(), ctx.TaskID(), timer(), len(s.executed), len(s.skipped))
	s.cfg.spans.EndSpanWithError(span, nil)
	return state, nil
}

// LastFailure returns the most recent step failure of this execution.
func (s *Sequencer[S]) LastFailure() (Failure, bool) {
	if s.lastFailure == nil {
		return Failure{}, false
	}
	return *s.lastFailure, true
}

// Executed returns the steps executed successfully, in order.
func (s *Sequencer[S]) Executed() []string {
	return append([]string(nil), s.executed...)
}

// Skipped returns the steps skipped on resume, in order.
func (s *Sequencer[S]) Skipped() []string {
	return append([]string(nil), s.skipped...)
}

func (s *Sequencer[S]) emit(ctx Context, step string, percent int, description string) {
	if s.cfg.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ctx.Logger().Warn("progress emitter panicked", "step", step, "panic", r)
		}
	}()
	if err := s.cfg.emitter.Emit(ctx, step, percent, description); err != nil {
		ctx.Logger().Debug("progress not delivered", "step", step, "error", err)
	}
}

func (s *Sequencer[S]) checkpoint(ctx Context, meta Step, state S) {
	if s.cfg.checkpointer == nil {
		return
	}

	var recoverable map[string]any
	if snap, ok := any(state).(Snapshotter); ok {
		recoverable = snap.Snapshot()
	}
	data := checkpoint.New(meta.Name, meta.Percent, meta.Description, recoverable)

	id, err := func() (id string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Step: meta.Name, Value: r, Stack: string(debug.Stack())}
			}
		}()
		return s.cfg.checkpointer.CreateCheckpoint(ctx, data)
	}()
	if err != nil {
		observability.LogCheckpointError(ctx.Logger(), meta.Name, "create", err)
		return
	}

	observability.LogCheckpoint(ctx.Logger(), meta.Name, meta.Percent, id)
	s.cfg.metrics.RecordCheckpoint(ctx, meta.Name, meta.Percent)
}

// executeStep runs fn with panic recovery.
func executeStep[S any](ctx Context, step string, state S, fn StepFunc[S]) (result S, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = state
			err = &PanicError{
				Step:  step,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	return fn(ctx, state)
}
