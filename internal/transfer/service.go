package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/lock"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Ledger is the subset of the stock ledger used by transfers.
type Ledger interface {
	TransferOut(ctx context.Context, in inventory.DecrementInput) (inventory.Result, error)
	TransferIn(ctx context.Context, in inventory.IncrementInput) (inventory.Result, error)
	Compensate(ctx context.Context, m inventory.StockMovement, ref inventory.Reference, actorID string) (inventory.Result, error)
}

// Repository persists transfers.
type Repository interface {
	Create(ctx context.Context, t Transfer) (Transfer, error)
	Get(ctx context.Context, id int64) (Transfer, error)
	ReplaceLines(ctx context.Context, id int64, lines []Line) ([]Line, error)
	Update(ctx context.Context, t Transfer) error
}

// Outcome is a transfer after a transition plus ledger warnings raised by it.
type Outcome struct {
	Transfer Transfer
	Warnings []inventory.Warning
}

// Service coordinates multi-line transfers against the ledger.
type Service struct {
	repo   Repository
	ledger Ledger
	locker lock.Locker
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo Repository, ledger Ledger, locker lock.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		ledger: ledger,
		locker: locker,
		logger: logger.With(slog.String("module", "transfer")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a draft transfer.
func (s *Service) Create(ctx context.Context, in CreateInput) (Transfer, error) {
	if in.CompanyID <= 0 || in.FromWarehouseID <= 0 || in.ToWarehouseID <= 0 {
		return Transfer{}, fmt.Errorf("%w: company and warehouses required", ErrInvalidTransfer)
	}
	if in.FromWarehouseID == in.ToWarehouseID {
		return Transfer{}, fmt.Errorf("%w: source and destination warehouse must differ", ErrInvalidTransfer)
	}
	lines, err := buildLines(in.Lines)
	if err != nil {
		return Transfer{}, err
	}
	t := Transfer{
		Number:          "TRF-" + strings.ToUpper(uuid.NewString()[:8]),
		CompanyID:       in.CompanyID,
		FromWarehouseID: in.FromWarehouseID,
		FromLocationID:  in.FromLocationID,
		ToWarehouseID:   in.ToWarehouseID,
		ToLocationID:    in.ToLocationID,
		Status:          StatusDraft,
		Note:            in.Note,
		CreatedBy:       in.ActorID,
		CreatedAt:       s.now(),
		Lines:           lines,
	}
	return s.repo.Create(ctx, t)
}

// Get returns a transfer with its lines.
func (s *Service) Get(ctx context.Context, id int64) (Transfer, error) {
	return s.repo.Get(ctx, id)
}

// UpdateLines replaces the lines of a draft transfer.
func (s *Service) UpdateLines(ctx context.Context, id int64, in []LineInput) (Transfer, error) {
	lines, err := buildLines(in)
	if err != nil {
		return Transfer{}, err
	}
	var out Transfer
	err = s.withTransfer(ctx, id, func(ctx context.Context, t Transfer) error {
		if t.Status != StatusDraft {
			return fmt.Errorf("%w: lines can only change in draft, status %s", ErrInvalidState, t.Status)
		}
		stored, err := s.repo.ReplaceLines(ctx, id, lines)
		if err != nil {
			return err
		}
		t.Lines = stored
		out = t
		return nil
	})
	return out, err
}

// Ship issues every line from the source warehouse. Either all lines ship or
// none does and the transfer stays draft.
func (s *Service) Ship(ctx context.Context, id int64, actorID string) (Outcome, error) {
	var out Outcome
	err := s.withTransfer(ctx, id, func(ctx context.Context, t Transfer) error {
		if t.Status != StatusDraft {
			return fmt.Errorf("%w: ship requires draft, status %s", ErrInvalidState, t.Status)
		}
		ref := t.reference()
		applied := make([]inventory.StockMovement, 0, len(t.Lines))
		var warnings []inventory.Warning
		for i, line := range t.Lines {
			res, err := s.ledger.TransferOut(ctx, inventory.DecrementInput{
				Key:      t.sourceKey(line),
				Quantity: line.Quantity,
				Ref:      ref,
				ActorID:  actorID,
			})
			if err != nil {
				s.compensate(ctx, applied, ref, actorID)
				return fmt.Errorf("transfer: ship line %d: %w", line.ID, err)
			}
			applied = append(applied, *res.Movement)
			warnings = append(warnings, res.Warnings...)
			t.Lines[i].UnitCost = res.Movement.UnitCost
		}
		now := s.now()
		t.Status = StatusInTransit
		t.ShippedAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			s.compensate(ctx, applied, ref, actorID)
			return err
		}
		out = Outcome{Transfer: t, Warnings: warnings}
		return nil
	})
	return out, err
}

// Receive books a (partial) receipt at the destination. Every requested
// line is validated before any stock moves.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (Outcome, error) {
	var out Outcome
	err := s.withTransfer(ctx, in.TransferID, func(ctx context.Context, t Transfer) error {
		if t.Status != StatusInTransit {
			return fmt.Errorf("%w: receive requires in_transit, status %s", ErrInvalidState, t.Status)
		}
		plan, err := planReceipt(t, in.Lines)
		if err != nil {
			return err
		}
		ref := t.reference()
		applied := make([]inventory.StockMovement, 0, len(plan))
		var warnings []inventory.Warning
		for _, idx := range slices.Sorted(maps.Keys(plan)) {
			qty := plan[idx]
			line := t.Lines[idx]
			res, err := s.ledger.TransferIn(ctx, inventory.IncrementInput{
				Key:        t.destinationKey(line),
				Quantity:   qty,
				UnitCost:   line.UnitCost,
				Ref:        ref,
				OccurredAt: in.OccurredAt,
				ActorID:    in.ActorID,
			})
			if err != nil {
				s.compensate(ctx, applied, ref, in.ActorID)
				return fmt.Errorf("transfer: receive line %d: %w", line.ID, err)
			}
			applied = append(applied, *res.Movement)
			warnings = append(warnings, res.Warnings...)
			t.Lines[idx].ReceivedQty = line.ReceivedQty.Add(qty)
		}
		if t.FullyReceived() {
			now := s.now()
			t.Status = StatusReceived
			t.ReceivedAt = &now
		}
		if err := s.repo.Update(ctx, t); err != nil {
			s.compensate(ctx, applied, ref, in.ActorID)
			return err
		}
		out = Outcome{Transfer: t, Warnings: warnings}
		return nil
	})
	return out, err
}

// Cancel voids a draft, or an in-transit transfer before any receipt by
// returning the shipped stock to the source.
func (s *Service) Cancel(ctx context.Context, id int64, actorID string) (Outcome, error) {
	var out Outcome
	err := s.withTransfer(ctx, id, func(ctx context.Context, t Transfer) error {
		var (
			warnings []inventory.Warning
			applied  []inventory.StockMovement
		)
		ref := t.reference()
		switch t.Status {
		case StatusDraft:
		case StatusInTransit:
			if t.HasReceipts() {
				return fmt.Errorf("%w: transfer already partially received", ErrInvalidState)
			}
			applied = make([]inventory.StockMovement, 0, len(t.Lines))
			for _, line := range t.Lines {
				shipped := inventory.StockMovement{
					CompanyID:   t.CompanyID,
					WarehouseID: t.FromWarehouseID,
					LocationID:  t.FromLocationID,
					ItemID:      line.ItemID,
					LotID:       line.LotID,
					Type:        inventory.MovementTransferOut,
					Quantity:    line.Quantity,
					Sign:        -1,
					UnitCost:    line.UnitCost,
				}
				res, err := s.ledger.Compensate(ctx, shipped, ref, actorID)
				if err != nil {
					s.compensate(ctx, applied, ref, actorID)
					return fmt.Errorf("transfer: return line %d: %w", line.ID, err)
				}
				applied = append(applied, *res.Movement)
				warnings = append(warnings, res.Warnings...)
			}
		default:
			return fmt.Errorf("%w: cannot cancel %s transfer", ErrInvalidState, t.Status)
		}
		now := s.now()
		t.Status = StatusCancelled
		t.CancelledAt = &now
		if err := s.repo.Update(ctx, t); err != nil {
			s.compensate(ctx, applied, ref, actorID)
			return err
		}
		out = Outcome{Transfer: t, Warnings: warnings}
		return nil
	})
	return out, err
}

func (s *Service) withTransfer(ctx context.Context, id int64, fn func(context.Context, Transfer) error) error {
	unlock, err := s.locker.Acquire(ctx, shared.TransferLockKey(id))
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return fmt.Errorf("%w: transfer %d", inventory.ErrConcurrencyTimeout, id)
		}
		return err
	}
	defer unlock()
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, t)
}

// compensate reverses applied movements newest first. Failures are logged;
// the original error is what the caller sees.
func (s *Service) compensate(ctx context.Context, applied []inventory.StockMovement, ref inventory.Reference, actorID string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		if _, err := s.ledger.Compensate(ctx, applied[i], ref, actorID); err != nil {
			s.logger.Error("compensate transfer movement",
				slog.String("reference", ref.ID),
				slog.Int64("movement_id", applied[i].ID),
				slog.Any("error", err))
		}
	}
}

func planReceipt(t Transfer, req []ReceiveLine) (map[int]decimal.Decimal, error) {
	plan := make(map[int]decimal.Decimal)
	if len(req) == 0 {
		for i, l := range t.Lines {
			if l.Outstanding().IsPositive() {
				plan[i] = l.Outstanding()
			}
		}
		if len(plan) == 0 {
			return nil, fmt.Errorf("%w: nothing outstanding", ErrInvalidState)
		}
		return plan, nil
	}
	for _, r := range req {
		if !r.Quantity.IsPositive() {
			return nil, inventory.ErrInvalidQuantity
		}
		idx := t.lineIndex(r.ItemID, r.LotID)
		if idx < 0 {
			return nil, fmt.Errorf("%w: item %d lot %d not on transfer", ErrInvalidTransfer, r.ItemID, r.LotID)
		}
		total := r.Quantity
		if prev, ok := plan[idx]; ok {
			total = prev.Add(r.Quantity)
		}
		if total.GreaterThan(t.Lines[idx].Outstanding()) {
			return nil, fmt.Errorf("%w: item %d receives %s, outstanding %s",
				inventory.ErrOverReceipt, r.ItemID, total, t.Lines[idx].Outstanding())
		}
		plan[idx] = total
	}
	return plan, nil
}

func buildLines(in []LineInput) ([]Line, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", ErrInvalidTransfer)
	}
	seen := make(map[[2]int64]bool, len(in))
	lines := make([]Line, 0, len(in))
	for _, l := range in {
		if l.ItemID <= 0 || l.LotID < 0 {
			return nil, fmt.Errorf("%w: item required", ErrInvalidTransfer)
		}
		if !l.Quantity.IsPositive() {
			return nil, inventory.ErrInvalidQuantity
		}
		k := [2]int64{l.ItemID, l.LotID}
		if seen[k] {
			return nil, fmt.Errorf("%w: duplicate line for item %d lot %d", ErrInvalidTransfer, l.ItemID, l.LotID)
		}
		seen[k] = true
		lines = append(lines, Line{ItemID: l.ItemID, LotID: l.LotID, Quantity: l.Quantity})
	}
	return lines, nil
}

func (t Transfer) reference() inventory.Reference {
	return inventory.Reference{Type: ReferenceType, ID: t.Number}
}

func (t Transfer) sourceKey(l Line) inventory.BalanceKey {
	return inventory.BalanceKey{CompanyID: t.CompanyID, WarehouseID: t.FromWarehouseID, LocationID: t.FromLocationID, ItemID: l.ItemID, LotID: l.LotID}
}

func (t Transfer) destinationKey(l Line) inventory.BalanceKey {
	return inventory.BalanceKey{CompanyID: t.CompanyID, WarehouseID: t.ToWarehouseID, LocationID: t.ToLocationID, ItemID: l.ItemID, LotID: l.LotID}
}

func (t Transfer) lineIndex(itemID, lotID int64) int {
	for i, l := range t.Lines {
		if l.ItemID == itemID && l.LotID == lotID {
			return i
		}
	}
	return -1
}
