package masterdata

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads master data from PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new master data repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r *Repository) CompanyExists(ctx context.Context, companyID int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1)`, companyID)
}

func (r *Repository) WarehouseExists(ctx context.Context, companyID, warehouseID int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (
		SELECT 1 FROM warehouses WHERE id = $1 AND company_id = $2 AND is_active)`, warehouseID, companyID)
}

func (r *Repository) LocationExists(ctx context.Context, companyID, warehouseID, locationID int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (
		SELECT 1 FROM locations l
		JOIN warehouses w ON w.id = l.warehouse_id
		WHERE l.id = $1 AND l.warehouse_id = $2 AND w.company_id = $3)`, locationID, warehouseID, companyID)
}

func (r *Repository) ItemExists(ctx context.Context, companyID, itemID int64) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (
		SELECT 1 FROM items WHERE id = $1 AND company_id = $2 AND is_active)`, itemID, companyID)
}

// ListCompanyIDs returns every company id, used by the reconciliation sweep.
func (r *Repository) ListCompanyIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
