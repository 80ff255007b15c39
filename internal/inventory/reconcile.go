package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Drift describes how a live balance differed from its replayed history.
type Drift struct {
	Quantity       decimal.Decimal `json:"quantity"`
	AvgCost        decimal.Decimal `json:"avg_cost"`
	LastMovementAt bool            `json:"last_movement_at"`
}

// None reports whether live and replayed balances agreed.
func (d Drift) None() bool {
	return d.Quantity.IsZero() && d.AvgCost.IsZero() && !d.LastMovementAt
}

// RecalcResult is returned by Recalculate.
type RecalcResult struct {
	Before Balance
	After  Balance
	Drift  Drift
}

// CountAdjustment sets one key to its physically counted quantity.
type CountAdjustment struct {
	Key        BalanceKey
	CountedQty decimal.Decimal
}

// CountClosing is the outcome of a physical inventory count.
type CountClosing struct {
	Ref        Reference
	ActorID    string
	OccurredAt time.Time
	Lines      []CountAdjustment
}

// SweepResult summarises a company-wide reconciliation.
type SweepResult struct {
	Checked  int            `json:"checked"`
	Repaired int            `json:"repaired"`
	Drifts   []RecalcResult `json:"-"`
}

// Reconciler rebuilds balances from the movement log.
type Reconciler struct {
	svc *Service
	// SweepParallelism bounds concurrent recalculations in Sweep.
	SweepParallelism int
}

// Replay folds the full history of key in (OccurredAt, ID) order.
func (r *Reconciler) Replay(ctx context.Context, key BalanceKey) (Balance, error) {
	if err := key.Validate(); err != nil {
		return Balance{}, err
	}
	history, err := r.svc.repo.ListMovements(ctx, MovementFilter{Key: key})
	if err != nil {
		return Balance{}, err
	}
	return replayHistory(key, history)
}

// Check compares the live balance of key with its replayed history without
// taking the lock or writing anything.
func (r *Reconciler) Check(ctx context.Context, key BalanceKey) (RecalcResult, error) {
	live, err := r.svc.GetBalance(ctx, key)
	if err != nil {
		return RecalcResult{}, err
	}
	replayed, err := r.Replay(ctx, key)
	if err != nil {
		return RecalcResult{}, err
	}
	return RecalcResult{Before: live, After: replayed, Drift: compare(live, replayed)}, nil
}

// Recalculate replays key under its lock and overwrites the live row when it
// drifted. Running it twice in a row reports no drift the second time.
func (r *Reconciler) Recalculate(ctx context.Context, key BalanceKey) (RecalcResult, error) {
	if err := key.Validate(); err != nil {
		return RecalcResult{}, err
	}
	s := r.svc
	var res RecalcResult
	err := s.withKey(ctx, key, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			live, err := loadForUpdate(ctx, tx, key)
			if err != nil {
				return err
			}
			history, err := tx.History(ctx, key)
			if err != nil {
				return err
			}
			replayed, err := replayHistory(key, history)
			if err != nil {
				return err
			}
			replayed.ReservedQty = live.ReservedQty
			drift := compare(live, replayed)
			res = RecalcResult{Before: live, After: live, Drift: drift}
			if drift.None() {
				return nil
			}
			replayed.Version = live.Version + 1
			replayed.UpdatedAt = s.now()
			if err := tx.SaveBalance(ctx, replayed, live.Version); err != nil {
				return err
			}
			res.After = replayed
			return nil
		})
	})
	if err != nil {
		return RecalcResult{}, err
	}
	if !res.Drift.None() {
		s.metrics.DriftRepaired()
		s.logger.Warn("balance drift repaired",
			slog.String("key", key.String()),
			slog.String("quantity_drift", res.Drift.Quantity.String()),
			slog.String("avg_cost_drift", res.Drift.AvgCost.String()))
		s.recordAudit(ctx, "system", "inventory:recalculate", key.String(), map[string]any{
			"before_qty": res.Before.Quantity.String(),
			"after_qty":  res.After.Quantity.String(),
		})
	}
	return res, nil
}

// CloseInventoryCount adjusts every counted key to its counted quantity. If a
// line fails, adjustments already applied are reversed and the error returned.
func (r *Reconciler) CloseInventoryCount(ctx context.Context, closing CountClosing) ([]Result, error) {
	for _, line := range closing.Lines {
		if err := line.Key.Validate(); err != nil {
			return nil, err
		}
		if line.CountedQty.IsNegative() {
			return nil, ErrInvalidQuantity
		}
	}
	s := r.svc
	applied := make([]Result, 0, len(closing.Lines))
	for _, line := range closing.Lines {
		res, err := s.Adjust(ctx, AdjustInput{
			Key:         line.Key,
			NewQuantity: line.CountedQty,
			Ref:         closing.Ref,
			OccurredAt:  closing.OccurredAt,
			ActorID:     closing.ActorID,
		})
		if err != nil {
			r.ReverseCountClosing(ctx, applied, closing.Ref, closing.ActorID)
			return nil, fmt.Errorf("inventory: close count line %s: %w", line.Key, err)
		}
		applied = append(applied, res)
	}
	return applied, nil
}

// ReverseCountClosing posts the reversal of every adjustment in applied,
// newest first. It undoes a closing whose count could not be saved; reversal
// failures are logged.
func (r *Reconciler) ReverseCountClosing(ctx context.Context, applied []Result, ref Reference, actor string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		m := applied[i].Movement
		if m == nil {
			continue
		}
		if _, err := r.svc.Compensate(ctx, *m, ref, actor); err != nil {
			r.svc.logger.Error("compensate count adjustment",
				slog.Int64("movement_id", m.ID), slog.Any("error", err))
		}
	}
}

// Sweep recalculates every balance of a company.
func (r *Reconciler) Sweep(ctx context.Context, companyID int64) (SweepResult, error) {
	balances, err := r.svc.ListBalances(ctx, BalanceFilter{CompanyID: companyID})
	if err != nil {
		return SweepResult{}, err
	}
	limit := r.SweepParallelism
	if limit <= 0 {
		limit = 4
	}
	var (
		mu  sync.Mutex
		out = SweepResult{Checked: len(balances)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, b := range balances {
		key := b.BalanceKey
		g.Go(func() error {
			res, err := r.Recalculate(gctx, key)
			if err != nil {
				return fmt.Errorf("recalculate %s: %w", key, err)
			}
			if res.Drift.None() {
				return nil
			}
			mu.Lock()
			out.Repaired++
			out.Drifts = append(out.Drifts, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func replayHistory(key BalanceKey, history []StockMovement) (Balance, error) {
	b := Balance{BalanceKey: key}
	for _, m := range history {
		if m.Key() != key {
			return Balance{}, errors.New("inventory: replay received movement of another key")
		}
		next, err := applyMovement(b, m)
		if err != nil {
			return Balance{}, err
		}
		b = next
	}
	return b, nil
}

func compare(live, replayed Balance) Drift {
	return Drift{
		Quantity:       replayed.Quantity.Sub(live.Quantity),
		AvgCost:        replayed.AvgCost.Sub(live.AvgCost),
		LastMovementAt: !replayed.LastMovementAt.Equal(live.LastMovementAt),
	}
}
