package writer

import (
	"context"
	"sync"
)

// MemoryStore keeps the table in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	table table
}

// NewMemoryStore returns a store preloaded with rows (header first).
func NewMemoryStore(rows [][]string) *MemoryStore {
	s := &MemoryStore{}
	_ = s.table.setRows(HeaderRow, rows)
	return s
}

func (s *MemoryStore) ReadAll(context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.snapshot(), nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.clear()
	return nil
}

func (s *MemoryStore) WriteHeader(_ context.Context, header []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.setRows(HeaderRow, [][]string{header})
}

func (s *MemoryStore) WriteRows(_ context.Context, start int, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.setRows(start, rows)
}
