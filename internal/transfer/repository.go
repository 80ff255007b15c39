package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// PostgresRepository persists transfers in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, t Transfer) (Transfer, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO stock_transfers (
				number, company_id, from_warehouse_id, from_location_id, to_warehouse_id, to_location_id,
				status, note, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
			t.Number, t.CompanyID, t.FromWarehouseID, t.FromLocationID, t.ToWarehouseID, t.ToLocationID,
			string(t.Status), t.Note, t.CreatedBy, t.CreatedAt).Scan(&t.ID)
		if err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		t.Lines, err = insertLines(ctx, tx, t.ID, t.Lines)
		return err
	})
	return t, err
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (Transfer, error) {
	var (
		t      Transfer
		status string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, number, company_id, from_warehouse_id, from_location_id,
			to_warehouse_id, to_location_id, status, note, created_by, created_at,
			shipped_at, received_at, cancelled_at
		FROM stock_transfers WHERE id = $1`, id).Scan(
		&t.ID, &t.Number, &t.CompanyID, &t.FromWarehouseID, &t.FromLocationID,
		&t.ToWarehouseID, &t.ToLocationID, &status, &t.Note, &t.CreatedBy, &t.CreatedAt,
		&t.ShippedAt, &t.ReceivedAt, &t.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, err
	}
	t.Status = Status(status)

	rows, err := r.pool.Query(ctx, `SELECT id, item_id, lot_id, quantity, received_qty, unit_cost
		FROM stock_transfer_lines WHERE transfer_id = $1 ORDER BY id`, id)
	if err != nil {
		return Transfer{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ItemID, &l.LotID, &l.Quantity, &l.ReceivedQty, &l.UnitCost); err != nil {
			return Transfer{}, err
		}
		t.Lines = append(t.Lines, l)
	}
	return t, rows.Err()
}

func (r *PostgresRepository) ReplaceLines(ctx context.Context, id int64, lines []Line) ([]Line, error) {
	var stored []Line
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM stock_transfer_lines WHERE transfer_id = $1`, id); err != nil {
			return err
		}
		var err error
		stored, err = insertLines(ctx, tx, id, lines)
		return err
	})
	return stored, err
}

func (r *PostgresRepository) Update(ctx context.Context, t Transfer) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE stock_transfers
			SET status = $2, shipped_at = $3, received_at = $4, cancelled_at = $5
			WHERE id = $1`, t.ID, string(t.Status), t.ShippedAt, t.ReceivedAt, t.CancelledAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		batch := &pgx.Batch{}
		for _, l := range t.Lines {
			batch.Queue(`UPDATE stock_transfer_lines SET received_qty = $2, unit_cost = $3 WHERE id = $1`,
				l.ID, l.ReceivedQty, l.UnitCost)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func insertLines(ctx context.Context, tx pgx.Tx, transferID int64, lines []Line) ([]Line, error) {
	out := make([]Line, len(lines))
	for i, l := range lines {
		err := tx.QueryRow(ctx, `INSERT INTO stock_transfer_lines
				(transfer_id, item_id, lot_id, quantity, received_qty, unit_cost)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			transferID, l.ItemID, l.LotID, l.Quantity, l.ReceivedQty, l.UnitCost).Scan(&l.ID)
		if err != nil {
			return nil, fmt.Errorf("insert transfer line: %w", err)
		}
		out[i] = l
	}
	return out, nil
}
