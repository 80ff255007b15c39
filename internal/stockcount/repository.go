package stockcount

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// PostgresRepository persists counts in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, c Count) (Count, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO inventory_counts
				(number, company_id, warehouse_id, location_id, status, note, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			c.Number, c.CompanyID, c.WarehouseID, c.LocationID, string(c.Status), c.Note, c.CreatedBy, c.CreatedAt,
		).Scan(&c.ID)
		if err != nil {
			return fmt.Errorf("insert count: %w", err)
		}
		for i, l := range c.Lines {
			err := tx.QueryRow(ctx, `INSERT INTO inventory_count_lines
					(count_id, item_id, lot_id, system_qty, counted_qty, counted)
				VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
				c.ID, l.ItemID, l.LotID, l.SystemQty, l.CountedQty, l.Counted).Scan(&c.Lines[i].ID)
			if err != nil {
				return fmt.Errorf("insert count line: %w", err)
			}
		}
		return nil
	})
	return c, err
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (Count, error) {
	var (
		c      Count
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, company_id, warehouse_id, location_id, status,
			note, created_by, created_at, closed_at
		FROM inventory_counts WHERE id = $1`, id).Scan(
		&c.ID, &c.Number, &c.CompanyID, &c.WarehouseID, &c.LocationID, &status,
		&c.Note, &c.CreatedBy, &c.CreatedAt, &c.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Count{}, ErrNotFound
	}
	if err != nil {
		return Count{}, err
	}
	c.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT id, item_id, lot_id, system_qty, counted_qty, counted
		FROM inventory_count_lines WHERE count_id = $1 ORDER BY id`, id)
	if err != nil {
		return Count{}, err
	}
	c.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Line, error) {
		var l Line
		err := row.Scan(&l.ID, &l.ItemID, &l.LotID, &l.SystemQty, &l.CountedQty, &l.Counted)
		return l, err
	})
	if err != nil {
		return Count{}, err
	}
	return c, nil
}

func (r *PostgresRepository) Update(ctx context.Context, c Count) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE inventory_counts SET status = $2, closed_at = $3 WHERE id = $1`,
			c.ID, string(c.Status), c.ClosedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		batch := &pgx.Batch{}
		for _, l := range c.Lines {
			batch.Queue(`UPDATE inventory_count_lines SET counted_qty = $2, counted = $3 WHERE id = $1`,
				l.ID, l.CountedQty, l.Counted)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}
