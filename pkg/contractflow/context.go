package contractflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
)

// Context provides execution context to step executors.
// It extends context.Context with the task identity and an enriched logger.
//
// Context is immutable after creation. The Sequencer derives a context per
// step with the step name set and the logger enriched.
type Context interface {
	context.Context

	// Logger returns the configured logger, enriched with task and step.
	// Never returns nil - defaults to slog.Default() if not configured.
	Logger() *slog.Logger

	// TaskID returns the task being executed.
	// Auto-generated if not configured.
	TaskID() string

	// SessionID returns the user session progress is reported to, if any.
	SessionID() string

	// Step returns the step being executed.
	// Empty string outside a step.
	Step() string
}

type executionContext struct {
	context.Context

	logger    *slog.Logger
	taskID    string
	sessionID string
	step      string
}

func (c *executionContext) Logger() *slog.Logger { return c.logger }
func (c *executionContext) TaskID() string       { return c.taskID }
func (c *executionContext) SessionID() string    { return c.sessionID }
func (c *executionContext) Step() string         { return c.step }

// ContextOption configures a Context.
type ContextOption func(*executionContext)

// WithLogger sets the logger for the context.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *executionContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTaskID sets the task identifier.
func WithTaskID(id string) ContextOption {
	return func(c *executionContext) {
		c.taskID = id
	}
}

// WithSessionID sets the session identifier.
func WithSessionID(id string) ContextOption {
	return func(c *executionContext) {
		c.sessionID = id
	}
}

// NewContext creates an execution context from a standard context.
//
// Example:
//
//	ctx := contractflow.NewContext(context.Background(),
//	    contractflow.WithLogger(logger),
//	    contractflow.WithTaskID("task-123"))
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	ec := &executionContext{
		Context: ctx,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.taskID == "" {
		ec.taskID = uuid.NewString()
	}
	return ec
}

// withStep returns a derived context for one step. base carries values added
// since ctx was created, such as the step span.
func withStep(ctx Context, base context.Context, step string) Context {
	return &executionContext{
		Context:   base,
		logger:    observability.EnrichLogger(ctx.Logger(), ctx.TaskID(), step),
		taskID:    ctx.TaskID(),
		sessionID: ctx.SessionID(),
		step:      step,
	}
}
