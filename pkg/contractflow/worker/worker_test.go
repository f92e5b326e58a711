package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/contract"
	"github.com/randalmurphal/contractflow/pkg/contractflow/recovery"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
	"github.com/randalmurphal/contractflow/pkg/contractflow/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// steps records executor calls and fails chosen steps once. A hook runs
// after the call is recorded and its error fails the step.
type steps struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	hooks map[string]func(ctx contractflow.Context) error
}

func (s *steps) executors() contract.Executors {
	f := contract.Funcs{}
	bind := func(name string) contract.StepFunc {
		return func(ctx contractflow.Context, st contract.State) (contract.State, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.calls = append(s.calls, name)
			if hook, ok := s.hooks[name]; ok {
				if err := hook(ctx); err != nil {
					return st, err
				}
			}
			if err, ok := s.fail[name]; ok {
				delete(s.fail, name)
				return st, err
			}
			switch name {
			case contract.StepProcessDocument:
				st.DocumentText = "Contract of sale"
			case contract.StepValidateDocumentQuality:
				st.QualityScore = 0.9
			case contract.StepCompileReport:
				st.Report = map[string]any{"summary": "ok"}
			}
			return st, nil
		}
	}
	f.ValidateInputFunc = bind(contract.StepValidateInput)
	f.ProcessDocumentFunc = bind(contract.StepProcessDocument)
	f.ValidateDocumentQualityFunc = bind(contract.StepValidateDocumentQuality)
	f.ExtractTermsFunc = bind(contract.StepExtractTerms)
	f.ValidateTermsCompletenessFunc = bind(contract.StepValidateTermsCompleteness)
	f.AnalyzeComplianceFunc = bind(contract.StepAnalyzeCompliance)
	f.AssessRisksFunc = bind(contract.StepAssessRisks)
	f.AnalyzeContractDiagramsFunc = bind(contract.StepAnalyzeContractDiagrams)
	f.GenerateRecommendationsFunc = bind(contract.StepGenerateRecommendations)
	f.ValidateFinalOutputFunc = bind(contract.StepValidateFinalOutput)
	f.CompileReportFunc = bind(contract.StepCompileReport)
	return f
}

func (s *steps) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *steps) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

type fixture struct {
	p     *registry.MemoryPersistence
	reg   *registry.Registry
	steps *steps
	h     *worker.Handler
}

func newFixture(fail map[string]error) *fixture {
	p := registry.NewMemoryPersistence(nil)
	reg := registry.New(p, registry.WithLogger(quietLogger()))
	s := &steps{fail: fail}
	wf := contract.NewWorkflow(s.executors(), contract.WithLogger(quietLogger()))
	return &fixture{
		p:     p,
		reg:   reg,
		steps: s,
		h:     worker.NewHandler(reg, wf, worker.WithLogger(quietLogger())),
	}
}

func (f *fixture) task(t *testing.T, id string) registry.RecoverableTask {
	t.Helper()
	got, err := f.p.GetTask(context.Background(), id)
	require.NoError(t, err)
	return got
}

func newTask(t *testing.T, p worker.Payload) (*asynq.Task, worker.Payload) {
	t.Helper()
	task, p, err := worker.NewAnalyzeTask(p)
	require.NoError(t, err)
	return task, p
}

func payload() worker.Payload {
	return worker.Payload{
		UserID:    "user-1",
		SessionID: "s-1",
		State:     contract.State{DocumentID: "doc-1", AustralianState: "VIC"},
	}
}

// TestNewAnalyzeTask tests task construction and payload decoding.
func TestNewAnalyzeTask(t *testing.T) {
	task, p := newTask(t, payload())
	assert.Equal(t, worker.TypeAnalyzeContract, task.Type())
	_, err := uuid.Parse(p.TaskID)
	require.NoError(t, err)

	got, err := worker.ParsePayload(task)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = worker.ParsePayload(asynq.NewTask(worker.TypeAnalyzeContract, []byte("{")))
	assert.ErrorIs(t, err, worker.ErrInvalidPayload)

	_, err = worker.ParsePayload(asynq.NewTask(worker.TypeAnalyzeContract, []byte(`{"state":{}}`)))
	assert.ErrorIs(t, err, worker.ErrInvalidPayload)
}

// TestPayloadFromTask tests relaunching from the registry's stored payload.
func TestPayloadFromTask(t *testing.T) {
	p := payload()
	p.TaskID = "task-1"
	p.ResumeFrom = "extract_terms_failed"
	p.ContextKey = "ctx-1"

	e := p.Entry()
	assert.Equal(t, worker.TaskName, e.TaskName)
	assert.True(t, e.AutoRecoveryEnabled)

	got, err := worker.PayloadFromTask(registry.RecoverableTask{TaskID: "task-1", TaskKwargs: e.Kwargs})
	require.NoError(t, err)
	assert.Empty(t, got.ResumeFrom, "resume point is not part of the stored payload")
	got.ResumeFrom = p.ResumeFrom
	assert.Equal(t, p, got)

	_, err = worker.PayloadFromTask(registry.RecoverableTask{TaskID: "task-2"})
	assert.ErrorIs(t, err, worker.ErrInvalidPayload)
}

// TestResumePoint tests the resume target derived from a registry row.
func TestResumePoint(t *testing.T) {
	assert.Equal(t, "assess_risks_failed", worker.ResumePoint(registry.RecoverableTask{CurrentStep: "assess_risks_failed"}))
	assert.Empty(t, worker.ResumePoint(registry.RecoverableTask{CurrentStep: "assess_risks"}))
	assert.Empty(t, worker.ResumePoint(registry.RecoverableTask{CurrentStep: "unknown_failed"}))
}

// TestHandler_Success tests a complete analysis.
func TestHandler_Success(t *testing.T) {
	f := newFixture(nil)
	task, p := newTask(t, payload())

	require.NoError(t, f.h.ProcessTask(context.Background(), task))
	assert.Equal(t, contract.Order.Names(), f.steps.called())

	got := f.task(t, p.TaskID)
	assert.Equal(t, registry.StateCompleted, got.CurrentState)
	assert.Equal(t, worker.TaskName, got.TaskName)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "doc-1", got.ResultData["document_id"])
}

// TestHandler_RecoverableFailure tests that a recoverable failure is retried
// by asynq and the retry resumes where the failure happened.
func TestHandler_RecoverableFailure(t *testing.T) {
	f := newFixture(map[string]error{
		contract.StepAnalyzeCompliance: &retry.TimeoutError{Operation: "compliance", Duration: time.Minute},
	})
	task, p := newTask(t, payload())

	err := f.h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.False(t, worker.IsSkipRetry(err))
	var timeoutErr *retry.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	got := f.task(t, p.TaskID)
	assert.Equal(t, registry.StatePartial, got.CurrentState)
	assert.Equal(t, "analyze_compliance_failed", got.CurrentStep)

	f.steps.reset()
	require.NoError(t, f.h.ProcessTask(context.Background(), task))
	assert.Equal(t, contract.Order.Names()[5:], f.steps.called())
	assert.Equal(t, registry.StateCompleted, f.task(t, p.TaskID).CurrentState)
}

// TestHandler_FatalFailure tests that a fatal failure is not retried.
func TestHandler_FatalFailure(t *testing.T) {
	f := newFixture(map[string]error{
		contract.StepExtractTerms: &retry.HTTPError{StatusCode: 403, Message: "forbidden"},
	})
	task, p := newTask(t, payload())

	err := f.h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, worker.IsSkipRetry(err))
	var httpErr *retry.HTTPError
	assert.ErrorAs(t, err, &httpErr)
	assert.Equal(t, registry.StateFailed, f.task(t, p.TaskID).CurrentState)
}

// TestHandler_InvalidPayload tests that undecodable tasks are not retried.
func TestHandler_InvalidPayload(t *testing.T) {
	f := newFixture(nil)
	err := f.h.ProcessTask(context.Background(), asynq.NewTask(worker.TypeAnalyzeContract, []byte("nope")))
	assert.True(t, worker.IsSkipRetry(err))
	assert.ErrorIs(t, err, worker.ErrInvalidPayload)
}

// TestHandler_Cancelled tests that a cancelled task is not run.
func TestHandler_Cancelled(t *testing.T) {
	f := newFixture(nil)
	task, p := newTask(t, payload())
	ctx := context.Background()

	_, err := f.reg.CreateEntry(ctx, p.Entry())
	require.NoError(t, err)
	require.True(t, f.reg.Cancel(ctx, p.TaskID))

	require.NoError(t, f.h.ProcessTask(ctx, task))
	assert.Empty(t, f.steps.called())
	assert.Equal(t, registry.StateCancelled, f.task(t, p.TaskID).CurrentState)
}

// TestHandler_CancelledDuringRun tests a task cancelled while a step runs
// and the step giving up with the context error. The task stays cancelled
// and is neither retried nor run again.
func TestHandler_CancelledDuringRun(t *testing.T) {
	f := newFixture(nil)
	task, p := newTask(t, payload())
	f.steps.hooks = map[string]func(contractflow.Context) error{
		contract.StepExtractTerms: func(ctx contractflow.Context) error {
			require.True(t, f.reg.Cancel(ctx, p.TaskID))
			return context.Canceled
		},
	}

	err := f.h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, worker.IsSkipRetry(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, contract.Order.Names()[:4], f.steps.called())
	assert.Equal(t, registry.StateCancelled, f.task(t, p.TaskID).CurrentState)

	require.NoError(t, f.h.ProcessTask(context.Background(), task))
	assert.Len(t, f.steps.called(), 4, "cancelled task must not run again")
	assert.Equal(t, registry.StateCancelled, f.task(t, p.TaskID).CurrentState)
}

// TestHandler_CancelledStepIgnoresContext tests that a step finishing
// normally after its task was cancelled does not complete the task: the
// run stops before the next step.
func TestHandler_CancelledStepIgnoresContext(t *testing.T) {
	f := newFixture(nil)
	task, p := newTask(t, payload())
	f.steps.hooks = map[string]func(contractflow.Context) error{
		contract.StepExtractTerms: func(ctx contractflow.Context) error {
			require.True(t, f.reg.Cancel(ctx, p.TaskID))
			return nil
		},
	}

	err := f.h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, worker.IsSkipRetry(err))
	assert.ErrorIs(t, err, recovery.ErrCancelled)
	assert.Equal(t, contract.Order.Names()[:4], f.steps.called())

	got := f.task(t, p.TaskID)
	assert.Equal(t, registry.StateCancelled, got.CurrentState)
	assert.Nil(t, got.ResultData)

	latest, err := f.reg.GetLatestCheckpoint(context.Background(), p.TaskID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, contract.StepValidateDocumentQuality, latest.CheckpointName,
		"no checkpoint is written once the task is cancelled")
}

// TestHandler_PayloadResumePoint tests resuming from the payload without checkpoints.
func TestHandler_PayloadResumePoint(t *testing.T) {
	f := newFixture(nil)
	p := payload()
	p.ResumeFrom = "assess_risks_failed"
	task, _ := newTask(t, p)

	require.NoError(t, f.h.ProcessTask(context.Background(), task))
	assert.Equal(t, contract.Order.Names()[6:], f.steps.called())
}

// TestHandler_CheckpointLaterThanPayload tests that a later checkpoint wins
// over an older payload resume point.
func TestHandler_CheckpointLaterThanPayload(t *testing.T) {
	f := newFixture(map[string]error{
		contract.StepGenerateRecommendations: errors.New("service temporarily unavailable"),
	})
	p := payload()
	p.ResumeFrom = "process_document_failed"
	task, p := newTask(t, p)

	err := f.h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, registry.StatePartial, f.task(t, p.TaskID).CurrentState)

	f.steps.reset()
	require.NoError(t, f.h.ProcessTask(context.Background(), task))
	assert.Equal(t, contract.Order.Names()[8:], f.steps.called())
}

// redisEnv names the Redis used by integration tests. They are skipped without it.
const redisEnv = "CONTRACTFLOW_REDIS_URL"

// TestClient_EnqueueAndRelaunch tests enqueueing against a live Redis.
func TestClient_EnqueueAndRelaunch(t *testing.T) {
	url := os.Getenv(redisEnv)
	if url == "" {
		t.Skipf("%s not set", redisEnv)
	}
	opt, err := asynq.ParseRedisURI(url)
	require.NoError(t, err)

	f := newFixture(nil)
	queue := "cf-test-" + uuid.NewString()[:8]
	c := worker.NewClient(opt, f.reg, worker.WithClientLogger(quietLogger()), worker.WithQueue(queue))
	defer c.Close()

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	t.Cleanup(func() { inspector.DeleteQueue(queue, true) })

	ctx := context.Background()
	p, info, err := c.Enqueue(ctx, payload())
	require.NoError(t, err)
	assert.Equal(t, queue, info.Queue)
	assert.Equal(t, registry.StateQueued, f.task(t, p.TaskID).CurrentState)

	var enqueued worker.Payload
	require.NoError(t, json.Unmarshal(info.Payload, &enqueued))
	assert.Equal(t, p.TaskID, enqueued.TaskID)

	f.reg.UpdateState(ctx, p.TaskID, registry.StatePartial, registry.WithCurrentStep("assess_risks_failed"))
	relaunched, _, err := c.Relaunch(ctx, p.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "assess_risks_failed", relaunched.ResumeFrom)

	f.reg.UpdateState(ctx, p.TaskID, registry.StateCompleted)
	_, _, err = c.Relaunch(ctx, p.TaskID)
	assert.ErrorIs(t, err, worker.ErrNotRelaunchable)
}
