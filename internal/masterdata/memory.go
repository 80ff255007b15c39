package masterdata

import (
	"context"
	"slices"
	"sync"
)

// MemoryDirectory holds master data in process memory.
type MemoryDirectory struct {
	mu         sync.RWMutex
	companies  map[int64]bool
	warehouses map[int64]Warehouse
	locations  map[int64]Location
	items      map[int64]Item
}

// NewMemoryDirectory constructs an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		companies:  make(map[int64]bool),
		warehouses: make(map[int64]Warehouse),
		locations:  make(map[int64]Location),
		items:      make(map[int64]Item),
	}
}

// AddCompany registers a company.
func (m *MemoryDirectory) AddCompany(c Company) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies[c.ID] = true
}

// AddWarehouse registers a warehouse.
func (m *MemoryDirectory) AddWarehouse(w Warehouse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warehouses[w.ID] = w
}

// AddLocation registers a location.
func (m *MemoryDirectory) AddLocation(l Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = l
}

// AddItem registers an item.
func (m *MemoryDirectory) AddItem(i Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[i.ID] = i
}

func (m *MemoryDirectory) CompanyExists(_ context.Context, companyID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.companies[companyID], nil
}

func (m *MemoryDirectory) WarehouseExists(_ context.Context, companyID, warehouseID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.warehouses[warehouseID]
	return ok && w.CompanyID == companyID && w.IsActive, nil
}

func (m *MemoryDirectory) LocationExists(_ context.Context, companyID, warehouseID, locationID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[locationID]
	if !ok || l.WarehouseID != warehouseID {
		return false, nil
	}
	w, ok := m.warehouses[warehouseID]
	return ok && w.CompanyID == companyID, nil
}

func (m *MemoryDirectory) ItemExists(_ context.Context, companyID, itemID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.items[itemID]
	return ok && i.CompanyID == companyID && i.IsActive, nil
}

// ListCompanyIDs returns every registered company id in ascending order.
func (m *MemoryDirectory) ListCompanyIDs(context.Context) ([]int64, error) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.companies))
	for id := range m.companies {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids, nil
}
