/*
Package contractflow drives a fixed, linearly ordered pipeline of steps with
resume support, progress reporting, and checkpoints.

# Overview

A workflow is a StepOrder: an immutable list of named steps, each with the
percent of work complete once it succeeds. A Sequencer walks that order for
one task execution. For each step it either skips it (the run resumes past
it) or executes it, and after a successful execution it emits progress and
writes a checkpoint.

	order := contractflow.MustStepOrder(
	    contractflow.Step{Name: "validate_input", Description: "Validating input"},
	    contractflow.Step{Name: "extract_terms", Description: "Extracting terms"},
	    contractflow.Step{Name: "compile_report", Description: "Compiling report"},
	)

	seq := contractflow.NewSequencer[State](order,
	    contractflow.WithProgressEmitter(emitter),
	    contractflow.WithCheckpointer(recoveryCtx),
	    contractflow.WithResumeFrom("extract_terms_failed"),
	)

	ctx := contractflow.NewContext(context.Background(), contractflow.WithTaskID(taskID))
	state, err = seq.RunStep(ctx, "extract_terms", state, extractTerms)

# Resuming

A resume target names either a completed step ("extract_terms") or a failed
one ("extract_terms_failed"). Both resolve to the same position in the order.
A completed step is skipped and execution continues with the next one; a
failed step is executed again. Unknown targets restart from the beginning.

# Failure handling

Executors are never retried by the Sequencer. A failing executor causes a
best-effort "<step>_failed" progress emission and its error is returned
unchanged. Progress and checkpoint failures are logged and never abort the
workflow. Retrying inside a step is the job of the retry package.

# Checkpoints

Checkpoints are written strictly after the step's effect. A crash between the
two re-runs the step on resume, so executors must be safe to re-run.
*/
package contractflow
