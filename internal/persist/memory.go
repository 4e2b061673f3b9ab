package persist

import (
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/crawlsched/internal/task"
)

// MemoryStore keeps records in process memory. It survives stage restarts
// within one process only and backs tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[storeKey]*bucket
	state   map[string][]byte
}

type storeKey struct {
	crawler string
	role    string
}

// bucket keeps insertion order plus an id index so upserts stay O(1).
type bucket struct {
	tasks []*task.Task
	index map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[storeKey]*bucket),
		state:   make(map[string][]byte),
	}
}

// Append stores tasks, replacing records with the same id.
func (s *MemoryStore) Append(_ context.Context, crawler, role string, tasks ...*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{crawler, role}
	b, ok := s.records[k]
	if !ok {
		b = &bucket{index: make(map[string]int)}
		s.records[k] = b
	}
	for _, t := range tasks {
		if idx, ok := b.index[t.ID]; ok {
			b.tasks[idx] = t.Clone()
			continue
		}
		b.index[t.ID] = len(b.tasks)
		b.tasks = append(b.tasks, t.Clone())
	}
	return nil
}

// List returns copies of the stored tasks.
func (s *MemoryStore) List(_ context.Context, crawler, role string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.records[storeKey{crawler, role}]
	if !ok {
		return []*task.Task{}, nil
	}
	out := make([]*task.Task, len(b.tasks))
	for i, t := range b.tasks {
		out[i] = t.Clone()
	}
	return out, nil
}

// Delete removes the given ids.
func (s *MemoryStore) Delete(_ context.Context, crawler, role string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey{crawler, role}
	b, ok := s.records[k]
	if !ok {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	b.tasks = slices.DeleteFunc(b.tasks, func(t *task.Task) bool {
		_, gone := drop[t.ID]
		return gone
	})
	if len(b.tasks) == 0 {
		delete(s.records, k)
		return nil
	}
	clear(b.index)
	for i, t := range b.tasks {
		b.index[t.ID] = i
	}
	return nil
}

// SaveState stores a copy of data.
func (s *MemoryStore) SaveState(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = slices.Clone(data)
	return nil
}

// LoadState returns a copy of the stored blob.
func (s *MemoryStore) LoadState(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.state[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
