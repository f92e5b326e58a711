package benchmarks

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/randalmurphal/contractflow/pkg/contractflow/checkpoint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/contract"
)

// BenchmarkMemoryStore_Create measures in-memory checkpoint writes.
func BenchmarkMemoryStore_Create(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	data := sampleCheckpoint()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Create(ctx, "task-1", data)
	}
}

// BenchmarkMemoryStore_Latest measures latest-checkpoint selection.
func BenchmarkMemoryStore_Latest(b *testing.B) {
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < contract.Order.Len(); i++ {
		_, _ = store.Create(ctx, "task-1", sampleCheckpoint())
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Latest(ctx, "task-1")
	}
}

// BenchmarkSQLiteStore_Create measures SQLite checkpoint writes.
func BenchmarkSQLiteStore_Create(b *testing.B) {
	store := createSQLiteStore(b)
	data := sampleCheckpoint()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Create(ctx, taskID(i%100), data)
	}
}

// BenchmarkSQLiteStore_Latest measures SQLite latest-checkpoint reads.
func BenchmarkSQLiteStore_Latest(b *testing.B) {
	store := createSQLiteStore(b)
	ctx := context.Background()
	for i := 0; i < contract.Order.Len(); i++ {
		_, _ = store.Create(ctx, "task-1", sampleCheckpoint())
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Latest(ctx, "task-1")
	}
}

// BenchmarkData_Marshal measures checkpoint serialization overhead.
func BenchmarkData_Marshal(b *testing.B) {
	data := sampleCheckpoint()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = data.Marshal()
	}
}

// BenchmarkState_SnapshotRestore measures the state round trip through
// recoverable data.
func BenchmarkState_SnapshotRestore(b *testing.B) {
	state := sampleState()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = contract.RestoreState(state.Snapshot())
	}
}

// Helper functions

func sampleState() contract.State {
	return contract.State{
		DocumentID:      "doc-1",
		UserID:          "user-1",
		AustralianState: "NSW",
		ContractType:    "purchase_agreement",
		DocumentText:    "CONTRACT OF SALE OF REAL ESTATE",
		QualityScore:    0.8,
		Terms: map[string]any{
			"purchase_price":  850000,
			"settlement_days": 60,
			"parties":         []string{"vendor", "purchaser"},
		},
		Risks:      map[string]any{"overall_risk": "medium"},
		Confidence: map[string]float64{"terms": 0.9},
		Warnings:   []string{"missing contract terms: special_conditions"},
	}
}

func sampleCheckpoint() checkpoint.Data {
	step, _ := contract.Order.Step(contract.StepAssessRisks)
	return checkpoint.New(step.Name, step.Percent, step.Description, sampleState().Snapshot())
}

func createSQLiteStore(b *testing.B) *checkpoint.SQLiteStore {
	b.Helper()
	store, err := checkpoint.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	return store
}

func taskID(i int) string {
	return fmt.Sprintf("task-%d", i)
}
