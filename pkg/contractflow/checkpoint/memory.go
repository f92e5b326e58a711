package checkpoint

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory checkpoint store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string][]Record // taskID -> records in sequence order
	sequence int64
	closed   bool
	opts     options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		records: make(map[string][]Record),
		opts:    o,
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, taskID string, data Data) (Record, error) {
	if err := data.Validate(); err != nil {
		return Record{}, err
	}

	// Round-trip through the flat map so the caller's maps are not retained.
	stored, err := FromMap(data.ToMap())
	if err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, ErrStoreClosed
	}

	m.sequence++
	rec := Record{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Sequence:  m.sequence,
		CreatedAt: m.opts.now().UTC(),
		Data:      stored,
	}
	m.records[taskID] = append(m.records[taskID], rec)
	return rec, nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, taskID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrStoreClosed
	}

	rec, ok := SelectLatest(m.records[taskID])
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, taskID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]Record, len(m.records[taskID]))
	copy(out, m.records[taskID])
	return out, nil
}

// DeleteTask implements Store.
func (m *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.records, taskID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}

// Len returns the total number of checkpoints across all tasks.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, recs := range m.records {
		count += len(recs)
	}
	return count
}
