package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/contract"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

// DefaultQueue is the queue contract analyses are enqueued on.
const DefaultQueue = "contracts"

// ErrNotRelaunchable indicates a task whose state does not allow a relaunch.
var ErrNotRelaunchable = errors.New("task cannot be relaunched")

// Client registers and enqueues contract analyses.
type Client struct {
	client   *asynq.Client
	reg      *registry.Registry
	logger   *slog.Logger
	queue    string
	maxRetry int
	timeout  time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithQueue sets the queue tasks are enqueued on.
func WithQueue(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.queue = name
		}
	}
}

// WithMaxRetry sets how often asynq retries a recoverable failure.
func WithMaxRetry(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetry = n
		}
	}
}

// WithTaskTimeout bounds one attempt of a task.
func WithTaskTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates a Client over an asynq connection.
func NewClient(redis asynq.RedisConnOpt, reg *registry.Registry, opts ...ClientOption) *Client {
	c := &Client{
		client:   asynq.NewClient(redis),
		reg:      reg,
		logger:   slog.Default(),
		queue:    DefaultQueue,
		maxRetry: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the asynq connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueue registers the task in the registry as queued and enqueues it.
// It returns the payload as enqueued, with its task id filled in.
func (c *Client) Enqueue(ctx context.Context, p Payload, opts ...asynq.Option) (Payload, *asynq.TaskInfo, error) {
	task, p, err := NewAnalyzeTask(p)
	if err != nil {
		return p, nil, err
	}

	if _, err := c.reg.CreateEntry(ctx, p.Entry()); err != nil {
		return p, nil, fmt.Errorf("register task %s: %w", p.TaskID, err)
	}

	base := []asynq.Option{asynq.Queue(c.queue), asynq.MaxRetry(c.maxRetry)}
	if c.timeout > 0 {
		base = append(base, asynq.Timeout(c.timeout))
	}
	info, err := c.client.EnqueueContext(ctx, task, append(base, opts...)...)
	if err != nil {
		return p, nil, fmt.Errorf("enqueue task %s: %w", p.TaskID, err)
	}

	c.logger.Info("contract analysis enqueued",
		"task_id", p.TaskID,
		"asynq_id", info.ID,
		"queue", info.Queue,
		"resume_from", p.ResumeFrom,
	)
	return p, info, nil
}

// Relaunch enqueues a registered task again from its stored payload. A task
// whose last step failed resumes at that step; otherwise the handler picks
// up from the latest checkpoint. Completed and cancelled tasks are refused.
func (c *Client) Relaunch(ctx context.Context, taskID string) (Payload, *asynq.TaskInfo, error) {
	t, err := c.reg.Task(ctx, taskID)
	if err != nil {
		return Payload{}, nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t.CurrentState == registry.StateCompleted || t.CurrentState == registry.StateCancelled {
		return Payload{}, nil, fmt.Errorf("%w: %s is %s", ErrNotRelaunchable, taskID, t.CurrentState)
	}
	if t.RecoveryMethod == registry.MethodManualIntervention {
		return Payload{}, nil, fmt.Errorf("%w: %s needs manual intervention", ErrNotRelaunchable, taskID)
	}

	p, err := PayloadFromTask(t)
	if err != nil {
		return p, nil, err
	}
	p.ResumeFrom = ResumePoint(t)
	return c.Enqueue(ctx, p)
}

// RelaunchOrphans marks stale tasks orphaned and relaunches those with
// auto-recovery enabled. It returns the relaunched task ids.
func (c *Client) RelaunchOrphans(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	orphans, err := c.reg.FindOrphaned(ctx, staleAfter)
	if err != nil {
		return nil, err
	}

	var relaunched []string
	var errs []error
	for _, t := range orphans {
		if !t.AutoRecoveryEnabled {
			c.logger.Info("orphaned task left for operator", "task_id", t.TaskID)
			continue
		}
		if _, _, err := c.Relaunch(ctx, t.TaskID); err != nil {
			errs = append(errs, err)
			continue
		}
		relaunched = append(relaunched, t.TaskID)
	}
	return relaunched, errors.Join(errs...)
}

// ResumePoint returns the resume target recorded for t: its current step
// when that step failed, "" otherwise.
func ResumePoint(t registry.RecoverableTask) string {
	if contractflow.IsFailedStep(t.CurrentStep) && contract.Order.Contains(t.CurrentStep) {
		return t.CurrentStep
	}
	return ""
}
