package stockcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Ledger is the subset of the stock ledger read when a count opens.
type Ledger interface {
	GetBalance(ctx context.Context, key inventory.BalanceKey) (inventory.Balance, error)
	ListBalances(ctx context.Context, filter inventory.BalanceFilter) ([]inventory.Balance, error)
}

// Closer posts the count differences to the ledger and can take them back.
type Closer interface {
	CloseInventoryCount(ctx context.Context, closing inventory.CountClosing) ([]inventory.Result, error)
	ReverseCountClosing(ctx context.Context, applied []inventory.Result, ref inventory.Reference, actorID string)
}

// Repository persists counts.
type Repository interface {
	Create(ctx context.Context, c Count) (Count, error)
	Get(ctx context.Context, id int64) (Count, error)
	Update(ctx context.Context, c Count) error
}

// CloseOutcome is a closed count with the ledger adjustments it produced.
type CloseOutcome struct {
	Count       Count
	Adjustments []inventory.Result
}

// Service drives the physical count workflow.
type Service struct {
	repo   Repository
	ledger Ledger
	closer Closer
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, ledger Ledger, closer Closer, locker lock.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		ledger: ledger,
		closer: closer,
		locker: locker,
		logger: logger.With(slog.String("module", "stockcount")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open snapshots the system quantity of every counted key.
func (s *Service) Open(ctx context.Context, in OpenInput) (Count, error) {
	if in.CompanyID <= 0 || in.WarehouseID <= 0 || in.LocationID < 0 {
		return Count{}, fmt.Errorf("%w: company and warehouse required", ErrInvalidCount)
	}
	lines, err := s.snapshot(ctx, in)
	if err != nil {
		return Count{}, err
	}
	if len(lines) == 0 {
		return Count{}, fmt.Errorf("%w: nothing to count", ErrInvalidCount)
	}
	c := Count{
		Number:      "CNT-" + strings.ToUpper(uuid.NewString()[:8]),
		CompanyID:   in.CompanyID,
		WarehouseID: in.WarehouseID,
		LocationID:  in.LocationID,
		Status:      StatusOpen,
		Note:        in.Note,
		CreatedBy:   in.ActorID,
		CreatedAt:   s.now(),
		Lines:       lines,
	}
	created, err := s.repo.Create(ctx, c)
	if err != nil {
		return Count{}, err
	}
	s.logger.Info("count opened",
		slog.Int64("count_id", created.ID),
		slog.Int64("warehouse_id", created.WarehouseID),
		slog.Int("lines", len(created.Lines)))
	return created, nil
}

func (s *Service) snapshot(ctx context.Context, in OpenInput) ([]Line, error) {
	if len(in.ItemIDs) == 0 {
		balances, err := s.ledger.ListBalances(ctx, inventory.BalanceFilter{
			CompanyID:   in.CompanyID,
			WarehouseID: in.WarehouseID,
		})
		if err != nil {
			return nil, err
		}
		lines := make([]Line, 0, len(balances))
		for _, b := range balances {
			if b.LocationID != in.LocationID {
				continue
			}
			lines = append(lines, Line{ItemID: b.ItemID, LotID: b.LotID, SystemQty: b.Quantity})
		}
		return lines, nil
	}

	seen := make(map[int64]bool, len(in.ItemIDs))
	lines := make([]Line, 0, len(in.ItemIDs))
	for _, itemID := range in.ItemIDs {
		if itemID <= 0 {
			return nil, fmt.Errorf("%w: item id %d", ErrInvalidCount, itemID)
		}
		if seen[itemID] {
			continue
		}
		seen[itemID] = true
		key := inventory.BalanceKey{CompanyID: in.CompanyID, WarehouseID: in.WarehouseID, LocationID: in.LocationID, ItemID: itemID}
		b, err := s.ledger.GetBalance(ctx, key)
		switch {
		case errors.Is(err, inventory.ErrBalanceNotFound):
			b.Quantity = decimal.Zero
		case err != nil:
			return nil, err
		}
		lines = append(lines, Line{ItemID: itemID, SystemQty: b.Quantity})
	}
	return lines, nil
}

// Get returns a count with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Count, error) {
	return s.repo.Get(ctx, id)
}

// RecordCount stores the counted quantity of a line. The first count moves
// an open count to counting; recounting a line overwrites it.
func (s *Service) RecordCount(ctx context.Context, in RecordInput) (Count, error) {
	if in.CountedQty.IsNegative() {
		return Count{}, inventory.ErrInvalidQuantity
	}
	var out Count
	err := s.withCount(ctx, in.CountID, func(ctx context.Context, c Count) error {
		if c.Status != StatusOpen && c.Status != StatusCounting {
			return fmt.Errorf("%w: cannot record on %s count", ErrInvalidState, c.Status)
		}
		idx := c.lineIndex(in.LineID)
		if idx < 0 {
			return fmt.Errorf("%w: line %d", ErrNotFound, in.LineID)
		}
		c.Lines[idx].CountedQty = in.CountedQty
		c.Lines[idx].Counted = true
		c.Status = StatusCounting
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// SubmitForReview freezes a fully counted count.
func (s *Service) SubmitForReview(ctx context.Context, id int64) (Count, error) {
	var out Count
	err := s.withCount(ctx, id, func(ctx context.Context, c Count) error {
		if c.Status != StatusCounting {
			return fmt.Errorf("%w: submit requires counting, status %s", ErrInvalidState, c.Status)
		}
		for _, l := range c.Lines {
			if !l.Counted {
				return fmt.Errorf("%w: line %d not counted", ErrInvalidState, l.ID)
			}
		}
		c.Status = StatusReview
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Close sets every line whose counted quantity differs from its snapshot to
// the counted quantity. Lines counted equal to the snapshot post nothing, so
// movements booked while the count was open are kept. Either all adjustments
// post and the count closes, or none does and the count stays in review.
func (s *Service) Close(ctx context.Context, id int64, actorID string) (CloseOutcome, error) {
	var out CloseOutcome
	err := s.withCount(ctx, id, func(ctx context.Context, c Count) error {
		if c.Status != StatusReview {
			return fmt.Errorf("%w: close requires review, status %s", ErrInvalidState, c.Status)
		}
		closing := inventory.CountClosing{
			Ref:        c.reference(),
			ActorID:    actorID,
			OccurredAt: s.now(),
			Lines:      make([]inventory.CountAdjustment, 0, len(c.Lines)),
		}
		for _, l := range c.Lines {
			if l.Difference().IsZero() {
				continue
			}
			closing.Lines = append(closing.Lines, inventory.CountAdjustment{Key: c.key(l), CountedQty: l.CountedQty})
		}
		results, err := s.closer.CloseInventoryCount(ctx, closing)
		if err != nil {
			return err
		}
		closedAt := closing.OccurredAt
		c.Status = StatusClosed
		c.ClosedAt = &closedAt
		if err := s.repo.Update(ctx, c); err != nil {
			s.logger.Error("count status not saved, reversing adjustments",
				slog.Int64("count_id", c.ID), slog.Any("error", err))
			s.closer.ReverseCountClosing(ctx, results, closing.Ref, actorID)
			return err
		}
		adjusted := make([]inventory.Result, 0, len(results))
		for _, r := range results {
			if r.Movement != nil {
				adjusted = append(adjusted, r)
			}
		}
		s.logger.Info("count closed", slog.Int64("count_id", c.ID), slog.Int("adjustments", len(adjusted)))
		out = CloseOutcome{Count: c, Adjustments: adjusted}
		return nil
	})
	return out, err
}

// Cancel abandons a count that has not been closed.
func (s *Service) Cancel(ctx context.Context, id int64) (Count, error) {
	var out Count
	err := s.withCount(ctx, id, func(ctx context.Context, c Count) error {
		if c.Status.Terminal() {
			return fmt.Errorf("%w: cannot cancel %s count", ErrInvalidState, c.Status)
		}
		now := s.now()
		c.Status = StatusCancelled
		c.ClosedAt = &now
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (s *Service) withCount(ctx context.Context, id int64, fn func(context.Context, Count) error) error {
	unlock, err := s.locker.Acquire(ctx, shared.CountLockKey(id))
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return fmt.Errorf("%w: count %d", inventory.ErrConcurrencyTimeout, id)
		}
		return err
	}
	defer unlock()
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

func (c Count) reference() inventory.Reference {
	return inventory.Reference{Type: ReferenceType, ID: c.Number}
}

func (c Count) key(l Line) inventory.BalanceKey {
	return inventory.BalanceKey{CompanyID: c.CompanyID, WarehouseID: c.WarehouseID, LocationID: c.LocationID, ItemID: l.ItemID, LotID: l.LotID}
}

func (c Count) lineIndex(lineID int64) int {
	for i, l := range c.Lines {
		if l.ID == lineID {
			return i
		}
	}
	return -1
}
