package contractflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
)

// testState is a minimal state for tests.
type testState struct {
	Trail []string
}

func (s testState) Snapshot() map[string]any {
	return map[string]any{"trail": append([]string(nil), s.Trail...)}
}

// journal records collaborator calls in order across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type emission struct {
	Step        string
	Percent     int
	Description string
}

// fakeEmitter records emissions and optionally fails.
type fakeEmitter struct {
	journal   *journal
	mu        sync.Mutex
	emissions []emission
	err       error
	panicWith any
}

func (e *fakeEmitter) Emit(_ context.Context, step string, percent int, description string) error {
	e.mu.Lock()
	e.emissions = append(e.emissions, emission{step, percent, description})
	e.mu.Unlock()
	if e.journal != nil {
		e.journal.add("emit:" + step)
	}
	if e.panicWith != nil {
		panic(e.panicWith)
	}
	return e.err
}

func (e *fakeEmitter) steps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.emissions))
	for i, em := range e.emissions {
		out[i] = em.Step
	}
	return out
}

// fakeCheckpointer records checkpoints and optionally fails.
type fakeCheckpointer struct {
	journal *journal
	mu      sync.Mutex
	created []checkpoint.Data
	err     error
}

func (c *fakeCheckpointer) CreateCheckpoint(_ context.Context, data checkpoint.Data) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal != nil {
		c.journal.add("checkpoint:" + data.CheckpointName)
	}
	if c.err != nil {
		return "", c.err
	}
	c.created = append(c.created, data)
	return "cp-" + data.CheckpointName, nil
}

func (c *fakeCheckpointer) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.created))
	for i, d := range c.created {
		out[i] = d.CheckpointName
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext() contractflow.Context {
	return contractflow.NewContext(context.Background(),
		contractflow.WithLogger(quietLogger()),
		contractflow.WithTaskID("task-test"),
	)
}

// appendStep returns an executor that records its name in the trail.
func appendStep(name string, j *journal) contractflow.StepFunc[testState] {
	return func(_ contractflow.Context, s testState) (testState, error) {
		if j != nil {
			j.add("exec:" + name)
		}
		s.Trail = append(append([]string(nil), s.Trail...), name)
		return s, nil
	}
}

var errStep = errors.New("step exploded")

func failingStep(j *journal, name string) contractflow.StepFunc[testState] {
	return func(_ contractflow.Context, s testState) (testState, error) {
		if j != nil {
			j.add("exec:" + name)
		}
		return s, errStep
	}
}
