package masterdata

import (
	"context"
	"time"
)

// Directory answers existence checks for master records. Every lookup is
// scoped by company; a record of another company does not exist.
type Directory interface {
	CompanyExists(ctx context.Context, companyID int64) (bool, error)
	WarehouseExists(ctx context.Context, companyID, warehouseID int64) (bool, error)
	LocationExists(ctx context.Context, companyID, warehouseID, locationID int64) (bool, error)
	ItemExists(ctx context.Context, companyID, itemID int64) (bool, error)
}

// Company represents a company entity
type Company struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Warehouse represents a warehouse entity
type Warehouse struct {
	ID        int64  `json:"id"`
	CompanyID int64  `json:"company_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
}

// Location is a bin or zone inside a warehouse.
type Location struct {
	ID          int64  `json:"id"`
	WarehouseID int64  `json:"warehouse_id"`
	Code        string `json:"code"`
}

// Item is a stock-keeping unit.
type Item struct {
	ID        int64  `json:"id"`
	CompanyID int64  `json:"company_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	IsActive  bool   `json:"is_active"`
}
