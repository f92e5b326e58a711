package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow/contract"
	"github.com/randalmurphal/contractflow/pkg/contractflow/recovery"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

// Handler processes TypeAnalyzeContract tasks.
type Handler struct {
	reg       *registry.Registry
	wf        *contract.Workflow
	lease     recovery.LeaseRefresher
	logger    *slog.Logger
	heartbeat time.Duration
}

var _ asynq.Handler = (*Handler)(nil)

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithLeaseRefresher refreshes each task's authorization-context lease as
// it progresses. Tasks without a context key are not refreshed.
func WithLeaseRefresher(r recovery.LeaseRefresher) HandlerOption {
	return func(h *Handler) {
		h.lease = r
	}
}

// WithHeartbeat sets how often a running task refreshes its heartbeat.
func WithHeartbeat(interval time.Duration) HandlerOption {
	return func(h *Handler) {
		h.heartbeat = interval
	}
}

// NewHandler creates a Handler running wf against reg.
func NewHandler(reg *registry.Registry, wf *contract.Workflow, opts ...HandlerOption) *Handler {
	h := &Handler{
		reg:    reg,
		wf:     wf,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := ParsePayload(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With("task_id", p.TaskID, "type", t.Type())
	if retried, ok := asynq.GetRetryCount(ctx); ok && retried > 0 {
		logger = logger.With("retry", retried)
	}

	if existing, err := h.reg.Task(ctx, p.TaskID); err == nil && existing.CurrentState == registry.StateCancelled {
		logger.Info("task cancelled, not running")
		return nil
	}

	req, err := h.request(ctx, logger, p)
	if err != nil {
		return err
	}

	opts := []recovery.Option{
		recovery.WithLogger(logger),
		recovery.WithEntry(p.Entry()),
		recovery.WithHeartbeat(h.heartbeat),
	}
	if h.lease != nil {
		opts = append(opts, recovery.WithLeaseRefresher(h.lease, p.ContextKey))
	}
	rc := recovery.New(h.reg, p.TaskID, opts...)

	err = rc.Run(ctx, func(ctx context.Context, tr recovery.Tracker) error {
		res, err := h.wf.Run(ctx, tr, req)
		if err != nil {
			return err
		}
		result := resultData(res)
		rc.SetResult(result)
		writeResult(logger, t, result)
		return nil
	})
	if rc.State() == registry.StateCancelled {
		if err == nil {
			logger.Info("task cancelled")
			return nil
		}
		logger.Info("task cancelled during analysis", "error", err.Error())
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err == nil {
		return nil
	}

	if rc.State() == registry.StatePartial {
		logger.Warn("analysis interrupted, will retry", "error", err.Error())
		return err
	}
	logger.Error("analysis failed", "error", err.Error())
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// request resolves the resume point and starting state. The later of the
// payload's resume point and the latest checkpoint wins; a checkpoint also
// supplies the state.
func (h *Handler) request(ctx context.Context, logger *slog.Logger, p Payload) (contract.Request, error) {
	req := contract.Request{
		SessionID:  p.SessionID,
		ResumeFrom: p.ResumeFrom,
		State:      p.State,
	}

	latest, err := h.reg.GetLatestCheckpoint(ctx, p.TaskID)
	if err != nil {
		return req, fmt.Errorf("load checkpoint for %s: %w", p.TaskID, err)
	}
	if latest == nil {
		return req, nil
	}

	state, err := contract.Resume(p.State, latest.RecoverableData)
	if err != nil {
		logger.Warn("checkpoint state unreadable, restarting clean",
			"checkpoint", latest.CheckpointName,
			"error", err.Error(),
		)
		req.ResumeFrom = ""
		h.reg.UpdateState(ctx, p.TaskID, registry.StateRecovering,
			registry.WithRecoveryMethod(registry.MethodRestartClean))
		return req, nil
	}

	req.State = state
	req.ResumeFrom = contract.Order.Later(p.ResumeFrom, latest.CheckpointName)
	h.reg.UpdateState(ctx, p.TaskID, registry.StateRecovering,
		registry.WithRecoveryMethod(registry.MethodResumeCheckpoint))
	logger.Info("resuming from checkpoint",
		"checkpoint", latest.CheckpointName,
		"resume_from", req.ResumeFrom,
	)
	return req, nil
}

func resultData(res contract.Result) map[string]any {
	return map[string]any{
		"document_id":            res.State.DocumentID,
		"report_data":            res.State.Report,
		"warnings":               res.State.Warnings,
		"manual_review_required": res.State.ManualReviewRequired,
		"steps_executed":         res.Executed,
		"steps_skipped":          res.Skipped,
	}
}

// writeResult stores the result with asynq when the task came from a server.
func writeResult(logger *slog.Logger, t *asynq.Task, result map[string]any) {
	w := t.ResultWriter()
	if w == nil {
		return
	}
	body, err := json.Marshal(result)
	if err == nil {
		_, err = w.Write(body)
	}
	if err != nil {
		logger.Warn("task result not written", "error", err.Error())
	}
}

// IsSkipRetry reports whether err stops asynq from retrying.
func IsSkipRetry(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}
