// Package checkpointtest holds the behavioural contract every checkpoint.Store
// implementation must satisfy.
package checkpointtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty store configured with opts.
type Factory func(t *testing.T, opts ...checkpoint.Option) checkpoint.Store

// Clock is a manual clock for deterministic creation times.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sample(name string, percent int) checkpoint.Data {
	return checkpoint.New(name, percent, "completed "+name, map[string]any{
		"document_id": "doc-42",
		"pages":       float64(3),
	})
}

// RunStoreContract runs the contract tests against a Store implementation.
func RunStoreContract(t *testing.T, name string, factory Factory) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run(name+"/Create_and_Latest", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		rec, err := store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, "task-1", rec.TaskID)
		assert.Positive(t, rec.Sequence)

		latest, err := store.Latest(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, latest.ID)
		assert.Equal(t, sample("extract_terms", 40), latest.Data)
	})

	t.Run(name+"/Latest_NotFound", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Latest(ctx, "task-missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run(name+"/Create_IsAdditive", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)
		_, err = store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)

		recs, err := store.List(ctx, "task-1")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
		assert.NotEqual(t, recs[0].ID, recs[1].ID)
	})

	t.Run(name+"/Latest_NewestWins", func(t *testing.T) {
		clock := NewClock(start)
		store := factory(t, checkpoint.WithClock(clock.Now))
		defer store.Close()

		_, err := store.Create(ctx, "task-1", sample("analyze_compliance", 58))
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)

		latest, err := store.Latest(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "extract_terms", latest.Data.CheckpointName)
		assert.True(t, latest.CreatedAt.Equal(start.Add(time.Second)))
	})

	t.Run(name+"/Latest_TieBreaksOnPercent", func(t *testing.T) {
		clock := NewClock(start)
		store := factory(t, checkpoint.WithClock(clock.Now))
		defer store.Close()

		_, err := store.Create(ctx, "task-1", sample("assess_risks", 68))
		require.NoError(t, err)
		_, err = store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)

		latest, err := store.Latest(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "assess_risks", latest.Data.CheckpointName)
	})

	t.Run(name+"/Latest_TieBreaksOnSequence", func(t *testing.T) {
		clock := NewClock(start)
		store := factory(t, checkpoint.WithClock(clock.Now))
		defer store.Close()

		first, err := store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)
		second, err := store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)
		require.Greater(t, second.Sequence, first.Sequence)

		latest, err := store.Latest(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
	})

	t.Run(name+"/List_Empty", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		recs, err := store.List(ctx, "task-missing")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run(name+"/List_Ordered", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		for _, s := range []string{"validate_input", "process_document", "extract_terms"} {
			_, err := store.Create(ctx, "task-1", sample(s, 10))
			require.NoError(t, err)
		}

		recs, err := store.List(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "validate_input", recs[0].Data.CheckpointName)
		assert.Equal(t, "process_document", recs[1].Data.CheckpointName)
		assert.Equal(t, "extract_terms", recs[2].Data.CheckpointName)
		assert.Less(t, recs[0].Sequence, recs[1].Sequence)
		assert.Less(t, recs[1].Sequence, recs[2].Sequence)
	})

	t.Run(name+"/DeleteTask", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Create(ctx, "task-1", sample("extract_terms", 40))
		require.NoError(t, err)
		_, err = store.Create(ctx, "task-2", sample("extract_terms", 40))
		require.NoError(t, err)

		require.NoError(t, store.DeleteTask(ctx, "task-1"))
		require.NoError(t, store.DeleteTask(ctx, "task-missing"))

		_, err = store.Latest(ctx, "task-1")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)

		_, err = store.Latest(ctx, "task-2")
		assert.NoError(t, err)
	})

	t.Run(name+"/DataCopy", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		data := sample("extract_terms", 40)
		_, err := store.Create(ctx, "task-1", data)
		require.NoError(t, err)

		data.RecoverableData["document_id"] = "mutated"

		latest, err := store.Latest(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "doc-42", latest.Data.RecoverableData["document_id"])
	})

	t.Run(name+"/Create_RejectsInvalid", func(t *testing.T) {
		store := factory(t)
		defer store.Close()

		_, err := store.Create(ctx, "task-1", checkpoint.New("", 10, "", nil))
		assert.ErrorIs(t, err, checkpoint.ErrInvalidData)

		_, err = store.Create(ctx, "task-1", checkpoint.New("extract_terms", 101, "", nil))
		assert.ErrorIs(t, err, checkpoint.ErrInvalidData)
	})

	t.Run(name+"/Close_ThenError", func(t *testing.T) {
		store := factory(t)
		require.NoError(t, store.Close())

		_, err := store.Create(ctx, "task-1", sample("extract_terms", 40))
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)

		_, err = store.Latest(ctx, "task-1")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)

		_, err = store.List(ctx, "task-1")
		assert.ErrorIs(t, err, checkpoint.ErrStoreClosed)
	})
}
