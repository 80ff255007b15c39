package stockcount

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepository keeps counts in process memory.
type MemoryRepository struct {
	mu         sync.Mutex
	counts     map[int64]Count
	nextID     int64
	nextLineID int64
}

// NewMemoryRepository constructs MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{counts: make(map[int64]Count)}
}

func (r *MemoryRepository) Create(_ context.Context, c Count) (Count, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c.ID = r.nextID
	c.Lines = slices.Clone(c.Lines)
	for i := range c.Lines {
		r.nextLineID++
		c.Lines[i].ID = r.nextLineID
	}
	r.counts[c.ID] = c
	return cloneCount(c), nil
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (Count, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counts[id]
	if !ok {
		return Count{}, ErrNotFound
	}
	return cloneCount(c), nil
}

func (r *MemoryRepository) Update(_ context.Context, c Count) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counts[c.ID]; !ok {
		return ErrNotFound
	}
	r.counts[c.ID] = cloneCount(c)
	return nil
}

func cloneCount(c Count) Count {
	c.Lines = slices.Clone(c.Lines)
	return c
}
