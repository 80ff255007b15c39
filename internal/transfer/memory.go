package transfer

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepository keeps transfers in process memory.
type MemoryRepository struct {
	mu         sync.Mutex
	transfers  map[int64]Transfer
	nextID     int64
	nextLineID int64
}

// NewMemoryRepository constructs MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{transfers: make(map[int64]Transfer)}
}

func (r *MemoryRepository) Create(_ context.Context, t Transfer) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	t.ID = r.nextID
	t.Lines = r.assignLineIDs(t.Lines)
	r.transfers[t.ID] = clone(t)
	return clone(t), nil
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	return clone(t), nil
}

func (r *MemoryRepository) ReplaceLines(_ context.Context, id int64, lines []Line) ([]Line, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Lines = r.assignLineIDs(lines)
	r.transfers[id] = clone(t)
	return slices.Clone(t.Lines), nil
}

func (r *MemoryRepository) Update(_ context.Context, t Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transfers[t.ID]; !ok {
		return ErrNotFound
	}
	r.transfers[t.ID] = clone(t)
	return nil
}

func (r *MemoryRepository) assignLineIDs(lines []Line) []Line {
	out := slices.Clone(lines)
	for i := range out {
		r.nextLineID++
		out[i].ID = r.nextLineID
	}
	return out
}

func clone(t Transfer) Transfer {
	t.Lines = slices.Clone(t.Lines)
	return t
}
