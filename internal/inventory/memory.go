package inventory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryRepository is an in-process RepositoryPort. Writes are staged per
// transaction and applied on commit after re-checking balance versions.
type MemoryRepository struct {
	mu        sync.RWMutex
	balances  map[BalanceKey]Balance
	movements map[BalanceKey][]StockMovement
	nextID    atomic.Int64
}

// NewMemoryRepository constructs MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		balances:  make(map[BalanceKey]Balance),
		movements: make(map[BalanceKey][]StockMovement),
	}
}

type stagedBalance struct {
	balance     Balance
	prevVersion int64
}

type memoryTx struct {
	repo      *MemoryRepository
	balances  map[BalanceKey]stagedBalance
	movements []StockMovement
}

// WithTx runs fn and applies its writes atomically when it returns nil.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, balances: make(map[BalanceKey]stagedBalance)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

func (tx *memoryTx) commit() error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range tx.balances {
		if r.balances[key].Version != s.prevVersion {
			return ErrVersionConflict
		}
	}
	for key, s := range tx.balances {
		r.balances[key] = s.balance
	}
	for _, m := range tx.movements {
		r.movements[m.Key()] = append(r.movements[m.Key()], m)
	}
	return nil
}

func (tx *memoryTx) GetBalanceForUpdate(_ context.Context, key BalanceKey) (Balance, error) {
	if s, ok := tx.balances[key]; ok {
		return s.balance, nil
	}
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	b, ok := tx.repo.balances[key]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (tx *memoryTx) SaveBalance(_ context.Context, b Balance, prevVersion int64) error {
	if s, ok := tx.balances[b.BalanceKey]; ok {
		if s.balance.Version != prevVersion {
			return ErrVersionConflict
		}
		tx.balances[b.BalanceKey] = stagedBalance{balance: b, prevVersion: s.prevVersion}
		return nil
	}
	tx.repo.mu.RLock()
	current := tx.repo.balances[b.BalanceKey].Version
	tx.repo.mu.RUnlock()
	if current != prevVersion {
		return ErrVersionConflict
	}
	tx.balances[b.BalanceKey] = stagedBalance{balance: b, prevVersion: prevVersion}
	return nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m StockMovement) (int64, error) {
	m.ID = tx.repo.nextID.Add(1)
	tx.movements = append(tx.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) History(_ context.Context, key BalanceKey) ([]StockMovement, error) {
	tx.repo.mu.RLock()
	out := slices.Clone(tx.repo.movements[key])
	tx.repo.mu.RUnlock()
	for _, m := range tx.movements {
		if m.Key() == key {
			out = append(out, m)
		}
	}
	sortMovements(out)
	return out, nil
}

// GetBalance returns the committed balance of key.
func (r *MemoryRepository) GetBalance(_ context.Context, key BalanceKey) (Balance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[key]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

// ListBalances lists committed balances matching filter.
func (r *MemoryRepository) ListBalances(_ context.Context, filter BalanceFilter) ([]Balance, error) {
	r.mu.RLock()
	out := make([]Balance, 0, len(r.balances))
	for key, b := range r.balances {
		if key.CompanyID != filter.CompanyID {
			continue
		}
		if filter.WarehouseID > 0 && key.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.ItemID > 0 && key.ItemID != filter.ItemID {
			continue
		}
		out = append(out, b)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Balance) int {
		return cmp.Or(
			cmp.Compare(a.WarehouseID, b.WarehouseID),
			cmp.Compare(a.LocationID, b.LocationID),
			cmp.Compare(a.ItemID, b.ItemID),
			cmp.Compare(a.LotID, b.LotID),
		)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListMovements returns committed movements of a key in (OccurredAt, ID) order.
func (r *MemoryRepository) ListMovements(_ context.Context, filter MovementFilter) ([]StockMovement, error) {
	r.mu.RLock()
	all := slices.Clone(r.movements[filter.Key])
	r.mu.RUnlock()
	sortMovements(all)
	out := all[:0]
	for _, m := range all {
		if !filter.From.IsZero() && m.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && m.OccurredAt.After(filter.To) {
			continue
		}
		out = append(out, m)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Corrupt overwrites a stored balance without a movement. Used to simulate
// drift.
func (r *MemoryRepository) Corrupt(key BalanceKey, mutate func(*Balance)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.balances[key]
	mutate(&b)
	r.balances[key] = b
}

func sortMovements(ms []StockMovement) {
	slices.SortStableFunc(ms, func(a, b StockMovement) int {
		return cmp.Or(a.OccurredAt.Compare(b.OccurredAt), cmp.Compare(a.ID, b.ID))
	})
}
