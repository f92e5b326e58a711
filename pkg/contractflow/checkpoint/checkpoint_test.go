package checkpoint_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint/checkpointtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryStore runs contract tests against MemoryStore.
func TestMemoryStore(t *testing.T) {
	checkpointtest.RunStoreContract(t, "MemoryStore", func(t *testing.T, opts ...checkpoint.Option) checkpoint.Store {
		return checkpoint.NewMemoryStore(opts...)
	})
}

// TestSQLiteStore runs contract tests against SQLiteStore.
func TestSQLiteStore(t *testing.T) {
	checkpointtest.RunStoreContract(t, "SQLiteStore", func(t *testing.T, opts ...checkpoint.Option) checkpoint.Store {
		store, err := checkpoint.NewSQLiteStore(":memory:", opts...)
		require.NoError(t, err)
		return store
	})
}

func TestData_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data checkpoint.Data
	}{
		{
			name: "recoverable only",
			data: checkpoint.New("extract_terms", 40, "Extracting contract terms", map[string]any{
				"document_id": "doc-1",
				"terms":       map[string]any{"purchase_price": 850000.0},
			}),
		},
		{
			name: "empty recoverable",
			data: checkpoint.New("validate_input", 5, "Validating input", nil),
		},
		{
			name: "all state",
			data: checkpoint.Data{
				CheckpointName:  "compile_report",
				ProgressPercent: 98,
				StepDescription: "Compiling report",
				RecoverableData: map[string]any{"report": "draft"},
				DatabaseState:   map[string]any{"analysis_id": "a-9"},
				FileState:       map[string]any{"path": "/tmp/report.pdf"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := checkpoint.FromMap(tt.data.ToMap())
			require.NoError(t, err)
			assert.Equal(t, tt.data.Normalize(), got)
		})
	}
}

func TestData_ToMapDefaults(t *testing.T) {
	m := checkpoint.Data{CheckpointName: "extract_terms", ProgressPercent: 40}.ToMap()

	assert.Equal(t, map[string]any{}, m[checkpoint.KeyDatabaseState])
	assert.Equal(t, map[string]any{}, m[checkpoint.KeyFileState])
	assert.Equal(t, map[string]any{}, m[checkpoint.KeyRecoverableData])
}

func TestFromMap_LooseShapes(t *testing.T) {
	d, err := checkpoint.FromMap(map[string]any{
		checkpoint.KeyCheckpointName:  "assess_risks",
		checkpoint.KeyProgressPercent: float64(68),
		checkpoint.KeyRecoverableData: `{"risk_level":"high"}`,
		checkpoint.KeyFileState:       []byte(`{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "assess_risks", d.CheckpointName)
	assert.Equal(t, 68, d.ProgressPercent)
	assert.Equal(t, "high", d.RecoverableData["risk_level"])
	assert.Empty(t, d.DatabaseState)
	assert.NotNil(t, d.DatabaseState)

	_, err = checkpoint.FromMap(map[string]any{checkpoint.KeyProgressPercent: "forty"})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidData)

	_, err = checkpoint.FromMap(map[string]any{checkpoint.KeyRecoverableData: "{not json"})
	assert.ErrorIs(t, err, checkpoint.ErrInvalidData)
}

func TestData_MarshalRoundTrip(t *testing.T) {
	d := checkpoint.New("generate_recommendations", 85, "Generating recommendations", map[string]any{"count": 4.0})

	b, err := d.Marshal()
	require.NoError(t, err)

	got, err := checkpoint.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestSelectLatest(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []checkpoint.Record{
		{ID: "a", Sequence: 1, CreatedAt: at, Data: checkpoint.Data{ProgressPercent: 40}},
		{ID: "b", Sequence: 2, CreatedAt: at, Data: checkpoint.Data{ProgressPercent: 68}},
		{ID: "c", Sequence: 3, CreatedAt: at, Data: checkpoint.Data{ProgressPercent: 68}},
		{ID: "d", Sequence: 4, CreatedAt: at.Add(-time.Second), Data: checkpoint.Data{ProgressPercent: 98}},
	}

	got, ok := checkpoint.SelectLatest(recs)
	require.True(t, ok)
	assert.Equal(t, "c", got.ID)

	_, ok = checkpoint.SelectLatest(nil)
	assert.False(t, ok)
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "checkpoints.db")

	store1, err := checkpoint.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	_, err = store1.Create(ctx, "task-1", checkpoint.New("extract_terms", 40, "Extracting", map[string]any{"k": "v"}))
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := checkpoint.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	latest, err := store2.Latest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "extract_terms", latest.Data.CheckpointName)
	assert.Equal(t, "v", latest.Data.RecoverableData["k"])
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := checkpoint.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := checkpoint.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestSQLiteStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer store.Close()

	const workers = 10
	const perWorker = 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := store.Create(ctx, "task-dup", checkpoint.New("extract_terms", 40, "", nil))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	recs, err := store.List(ctx, "task-dup")
	require.NoError(t, err)
	assert.Len(t, recs, workers*perWorker)
}
