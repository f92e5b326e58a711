package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
)

// recoverableVocabulary extends the retryable words with conditions that
// clear up between task runs.
var recoverableVocabulary = []string{
	"temporarily",
	"unavailable",
	"deadlock",
	"interrupted",
	"too many connections",
}

// IsRecoverableError reports whether a task that failed with err can resume
// from its last checkpoint. Connection failures, timeouts and cancellation
// are recoverable. Panics, permanent kinds and the non-retryable vocabulary
// are fatal, as is anything unrecognised.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}

	var pe *contractflow.PanicError
	if errors.As(err, &pe) {
		return false
	}
	// An interrupted worker leaves the task resumable.
	if errors.Is(err, context.Canceled) {
		return true
	}
	if retry.IsPermanentKind(err) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if retry.MatchesNonRetryable(msg) {
		return false
	}
	if retry.IsTransientKind(err) {
		return true
	}
	if retry.MatchesRetryable(msg) {
		return true
	}
	for _, w := range recoverableVocabulary {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// ErrorDetails builds the error_details map recorded with a failed task.
func ErrorDetails(err error) map[string]any {
	traceback := fmt.Sprintf("%+v", err)
	var pe *contractflow.PanicError
	if errors.As(err, &pe) && pe.Stack != "" {
		traceback = pe.Stack
	}

	return map[string]any{
		"error_type":    errorType(err),
		"error_message": err.Error(),
		"traceback":     traceback,
		"recoverable":   IsRecoverableError(err),
	}
}

// errorType names the first error in the chain that is not a plain wrapper.
func errorType(err error) string {
	for {
		name := fmt.Sprintf("%T", err)
		if name != "*fmt.wrapError" && name != "*fmt.wrapErrors" {
			return name
		}
		next := errors.Unwrap(err)
		if next == nil {
			if multi, ok := err.(interface{ Unwrap() []error }); ok && len(multi.Unwrap()) > 0 {
				next = multi.Unwrap()[0]
			}
		}
		if next == nil {
			return name
		}
		err = next
	}
}
