package download

import (
	"context"
	"sort"
	"sync"

	"github.com/ytget/vrenv/internal/model"
)

// Store persists the download job list
type Store interface {
	Save(ctx context.Context, d model.Download) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Download, error)
}

// MemoryStore keeps downloads in process memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.Download
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.Download)}
}

// Save inserts or replaces a record
func (m *MemoryStore) Save(_ context.Context, d model.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[d.ID] = d
	return nil
}

// Delete removes a record; missing records are not an error
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// List returns all records, oldest first
func (m *MemoryStore) List(_ context.Context) ([]model.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Download, 0, len(m.records))
	for _, d := range m.records {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
