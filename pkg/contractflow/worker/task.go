// Package worker runs contract analyses as asynq tasks.
//
// A task carries a Payload. The Handler registers the task, picks the
// resume point from the payload or the latest checkpoint, and runs the
// contract.Workflow inside a recovery.Context. Recoverable failures are
// returned to asynq for retry; fatal ones are wrapped with asynq.SkipRetry.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow/contract"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
)

// TypeAnalyzeContract is the asynq task type of a contract analysis.
const TypeAnalyzeContract = "contract:analyze"

// TaskName is the name contract analyses are registered under.
const TaskName = "comprehensive_document_analysis"

// ErrInvalidPayload indicates a task payload that cannot be decoded.
var ErrInvalidPayload = errors.New("invalid task payload")

// Payload is the body of a TypeAnalyzeContract task.
type Payload struct {
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ContextKey string `json:"context_key,omitempty"`
	ResumeFrom string `json:"resume_from_step,omitempty"`
	Priority   int    `json:"recovery_priority,omitempty"`

	State contract.State `json:"state"`
}

// NewAnalyzeTask builds an asynq task for p. An empty TaskID gets a new UUID.
func NewAnalyzeTask(p Payload, opts ...asynq.Option) (*asynq.Task, Payload, error) {
	if p.TaskID == "" {
		p.TaskID = uuid.NewString()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, p, fmt.Errorf("encode payload: %w", err)
	}
	return asynq.NewTask(TypeAnalyzeContract, body, opts...), p, nil
}

// ParsePayload decodes the payload of t.
func ParsePayload(t *asynq.Task) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.TaskID == "" {
		return p, fmt.Errorf("%w: missing task_id", ErrInvalidPayload)
	}
	return p, nil
}

// Entry returns the registry entry for p. The payload is kept as the
// entry's kwargs so an operator can relaunch the task from the registry.
func (p Payload) Entry() registry.Entry {
	return registry.Entry{
		TaskID:              p.TaskID,
		TaskName:            TaskName,
		UserID:              p.UserID,
		Kwargs:              p.kwargs(),
		RecoveryPriority:    p.Priority,
		AutoRecoveryEnabled: true,
		ContextKey:          p.ContextKey,
	}
}

func (p Payload) kwargs() map[string]any {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	delete(m, "resume_from_step")
	return m
}

// PayloadFromTask rebuilds the payload of a registered task.
func PayloadFromTask(t registry.RecoverableTask) (Payload, error) {
	var p Payload
	if len(t.TaskKwargs) == 0 {
		return p, fmt.Errorf("%w: task %s has no stored payload", ErrInvalidPayload, t.TaskID)
	}
	raw, err := json.Marshal(t.TaskKwargs)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.TaskID = t.TaskID
	return p, nil
}
