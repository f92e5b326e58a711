package contractflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for building a step order.
var (
	// ErrEmptyStepOrder indicates a step order with no steps.
	ErrEmptyStepOrder = errors.New("step order is empty")

	// ErrInvalidStepName indicates an empty name, whitespace, or the failed suffix.
	ErrInvalidStepName = errors.New("invalid step name")

	// ErrDuplicateStep indicates the same step name appears twice.
	ErrDuplicateStep = errors.New("duplicate step")

	// ErrInvalidPercent indicates a percent outside 0..100 or one lower than its predecessor.
	ErrInvalidPercent = errors.New("invalid progress percent")
)

// Sentinel errors for execution.
var (
	// ErrNilContext indicates RunStep or Run was called with a nil context.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrUnknownStep indicates a step that is not part of the order.
	ErrUnknownStep = errors.New("unknown step")

	// ErrMissingExecutor indicates Run was given no executor for a step.
	ErrMissingExecutor = errors.New("missing executor")
)

// StepError wraps a sequencing error with the step it concerns.
// Executor errors are never wrapped in a StepError.
type StepError struct {
	// Step is the step name.
	Step string
	// Op is the operation that failed ("lookup", "validate").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s: %v", e.Step, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by a step executor.
type PanicError struct {
	// Step is the step that panicked.
	Step string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.Step, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
