package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	q querier
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
	if errors.Is(err, db.ErrSerialization) {
		return fmt.Errorf("%w: %w", ErrVersionConflict, err)
	}
	return err
}

const balanceColumns = `company_id, warehouse_id, location_id, item_id, lot_id,
	quantity, reserved_qty, avg_cost, last_movement_at, version, updated_at`

const movementColumns = `id, company_id, warehouse_id, location_id, item_id, lot_id, serial_id,
	movement_type, quantity, sign, unit_cost, reference_type, reference_id,
	occurred_at, created_at, created_by`

// GetBalance returns the live balance of key.
func (r *Repository) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	return getBalance(ctx, r.pool, key, false)
}

// ListBalances lists balances of a company, optionally narrowed.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	var (
		where = []string{"company_id = $1"}
		args  = []any{filter.CompanyID}
	)
	if filter.WarehouseID > 0 {
		args = append(args, filter.WarehouseID)
		where = append(where, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if filter.ItemID > 0 {
		args = append(args, filter.ItemID)
		where = append(where, fmt.Sprintf("item_id = $%d", len(args)))
	}
	sql := `SELECT ` + balanceColumns + ` FROM stock_balances WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY warehouse_id, location_id, item_id, lot_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListMovements returns the stock card of a key in (occurred_at, id) order.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	return listMovements(ctx, r.pool, filter)
}

func (t *txRepo) GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	return getBalance(ctx, t.q, key, true)
}

func (t *txRepo) SaveBalance(ctx context.Context, b Balance, prevVersion int64) error {
	if prevVersion == 0 {
		_, err := t.q.Exec(ctx, `INSERT INTO stock_balances (`+balanceColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			b.CompanyID, b.WarehouseID, b.LocationID, b.ItemID, b.LotID,
			b.Quantity, b.ReservedQty, b.AvgCost, nullTime(b.LastMovementAt), b.Version, b.UpdatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrVersionConflict
		}
		return err
	}
	tag, err := t.q.Exec(ctx, `UPDATE stock_balances
		SET quantity = $6, reserved_qty = $7, avg_cost = $8, last_movement_at = $9, version = $10, updated_at = $11
		WHERE company_id = $1 AND warehouse_id = $2 AND location_id = $3 AND item_id = $4 AND lot_id = $5
		  AND version = $12`,
		b.CompanyID, b.WarehouseID, b.LocationID, b.ItemID, b.LotID,
		b.Quantity, b.ReservedQty, b.AvgCost, nullTime(b.LastMovementAt), b.Version, b.UpdatedAt, prevVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *txRepo) InsertMovement(ctx context.Context, m StockMovement) (int64, error) {
	if !m.Type.Valid() {
		return 0, fmt.Errorf("inventory: unknown movement type %q", m.Type)
	}
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO stock_movements (
			company_id, warehouse_id, location_id, item_id, lot_id, serial_id,
			movement_type, quantity, sign, unit_cost, reference_type, reference_id,
			occurred_at, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id`,
		m.CompanyID, m.WarehouseID, m.LocationID, m.ItemID, m.LotID, m.SerialID,
		string(m.Type), m.Quantity, m.Sign, m.UnitCost, m.ReferenceType, m.ReferenceID,
		m.OccurredAt, m.CreatedAt, m.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) History(ctx context.Context, key BalanceKey) ([]StockMovement, error) {
	return listMovements(ctx, t.q, MovementFilter{Key: key})
}

func getBalance(ctx context.Context, q querier, key BalanceKey, forUpdate bool) (Balance, error) {
	sql := `SELECT ` + balanceColumns + ` FROM stock_balances
		WHERE company_id = $1 AND warehouse_id = $2 AND location_id = $3 AND item_id = $4 AND lot_id = $5`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	b, err := scanBalance(q.QueryRow(ctx, sql, key.CompanyID, key.WarehouseID, key.LocationID, key.ItemID, key.LotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrBalanceNotFound
	}
	return b, err
}

func listMovements(ctx context.Context, q querier, filter MovementFilter) ([]StockMovement, error) {
	k := filter.Key
	args := []any{k.CompanyID, k.WarehouseID, k.LocationID, k.ItemID, k.LotID}
	sql := `SELECT ` + movementColumns + ` FROM stock_movements
		WHERE company_id = $1 AND warehouse_id = $2 AND location_id = $3 AND item_id = $4 AND lot_id = $5`
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		sql += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		sql += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	sql += ` ORDER BY occurred_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StockMovement
	for rows.Next() {
		var (
			m   StockMovement
			typ string
		)
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.WarehouseID, &m.LocationID, &m.ItemID, &m.LotID, &m.SerialID,
			&typ, &m.Quantity, &m.Sign, &m.UnitCost, &m.ReferenceType, &m.ReferenceID,
			&m.OccurredAt, &m.CreatedAt, &m.CreatedBy); err != nil {
			return nil, err
		}
		m.Type = MovementType(typ)
		if !m.Type.Valid() {
			return nil, fmt.Errorf("inventory: movement %d has unknown type %q", m.ID, typ)
		}
		m.OccurredAt = m.OccurredAt.UTC()
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanBalance(row pgx.Row) (Balance, error) {
	var (
		b    Balance
		last *time.Time
	)
	err := row.Scan(&b.CompanyID, &b.WarehouseID, &b.LocationID, &b.ItemID, &b.LotID,
		&b.Quantity, &b.ReservedQty, &b.AvgCost, &last, &b.Version, &b.UpdatedAt)
	if err != nil {
		return Balance{}, err
	}
	if last != nil {
		b.LastMovementAt = last.UTC()
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
