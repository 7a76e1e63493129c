package counter

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps one atomic cell per session. Cells are never removed so
// a Reset cannot race a concurrent Increment onto a discarded cell.
type MemoryStore struct {
	cells sync.Map // sessionID -> *atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) cell(sessionID string) *atomic.Int64 {
	if c, ok := s.cells.Load(sessionID); ok {
		return c.(*atomic.Int64)
	}
	c, _ := s.cells.LoadOrStore(sessionID, new(atomic.Int64))
	return c.(*atomic.Int64)
}

func (s *MemoryStore) Increment(_ context.Context, sessionID string) (int64, error) {
	return s.cell(sessionID).Add(1), nil
}

func (s *MemoryStore) DecrementFloor(_ context.Context, sessionID string) (int64, error) {
	c := s.cell(sessionID)
	for {
		cur := c.Load()
		if cur <= 0 {
			return 0, nil
		}
		if c.CompareAndSwap(cur, cur-1) {
			return cur - 1, nil
		}
	}
}

func (s *MemoryStore) Reset(_ context.Context, sessionID string) error {
	s.cell(sessionID).Store(0)
	return nil
}

func (s *MemoryStore) Read(_ context.Context, sessionID string) (int64, error) {
	if c, ok := s.cells.Load(sessionID); ok {
		return c.(*atomic.Int64).Load(), nil
	}
	return 0, nil
}
