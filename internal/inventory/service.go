package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/lock"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error)
	// SaveBalance writes balance if the stored version still equals prevVersion
	// (0 inserts a new row); otherwise it returns ErrVersionConflict.
	SaveBalance(ctx context.Context, balance Balance, prevVersion int64) error
	InsertMovement(ctx context.Context, m StockMovement) (int64, error)
	// History returns every movement of key ordered by (OccurredAt, ID).
	History(ctx context.Context, key BalanceKey) ([]StockMovement, error)
}

// BalanceFilter selects balances for listing.
type BalanceFilter struct {
	CompanyID   int64
	WarehouseID int64
	ItemID      int64
	Limit       int
}

// MasterData answers tenant-scoped existence checks for referenced ids.
type MasterData interface {
	CompanyExists(ctx context.Context, companyID int64) (bool, error)
	WarehouseExists(ctx context.Context, companyID, warehouseID int64) (bool, error)
	LocationExists(ctx context.Context, companyID, warehouseID, locationID int64) (bool, error)
	ItemExists(ctx context.Context, companyID, itemID int64) (bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against replayed requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort receives ledger instrumentation.
type MetricsPort interface {
	MovementCommitted(t MovementType)
	NegativeStock()
	DriftRepaired()
	ConcurrencyTimeout()
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	NegativeStock NegativeStockPolicy
	// MaxRetries bounds how often a lock timeout or version conflict is retried.
	MaxRetries   int
	RetryBackoff time.Duration
	Clock        func() time.Time
}

// Dependencies groups collaborators of the ledger engine. Only Repo and
// Locker are required.
type Dependencies struct {
	Repo        RepositoryPort
	Locker      lock.Locker
	MasterData  MasterData
	Audit       AuditPort
	Idempotency IdempotencyPort
	Events      EventPublisher
	Metrics     MetricsPort
	Logger      *slog.Logger
}

// Service is the stock ledger engine: the only sanctioned writer of balances.
type Service struct {
	repo        RepositoryPort
	locker      lock.Locker
	masterData  MasterData
	audit       AuditPort
	idempotency IdempotencyPort
	events      EventPublisher
	metrics     MetricsPort
	logger      *slog.Logger
	cfg         ServiceConfig
	reconciler  *Reconciler
}

// NewService builds Service.
func NewService(deps Dependencies, cfg ServiceConfig) *Service {
	if cfg.NegativeStock == "" {
		cfg.NegativeStock = NegativeStockWarn
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 20 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &Service{
		repo:        deps.Repo,
		locker:      deps.Locker,
		masterData:  deps.MasterData,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		events:      deps.Events,
		metrics:     metrics,
		logger:      logger.With(slog.String("module", "inventory")),
		cfg:         cfg,
	}
	s.reconciler = &Reconciler{svc: s}
	return s
}

// Reconciler exposes replay, drift repair and count closing.
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// Increment appends an inbound movement (initial for a new key).
func (s *Service) Increment(ctx context.Context, in IncrementInput) (Result, error) {
	return s.inbound(ctx, in, MovementIn)
}

// TransferIn appends the destination side of a stock transfer.
func (s *Service) TransferIn(ctx context.Context, in IncrementInput) (Result, error) {
	return s.inbound(ctx, in, MovementTransferIn)
}

// Decrement appends an outbound movement. Negative results are reported as a
// warning unless the block policy is configured.
func (s *Service) Decrement(ctx context.Context, in DecrementInput) (Result, error) {
	return s.outbound(ctx, in, MovementOut)
}

// TransferOut appends the source side of a stock transfer.
func (s *Service) TransferOut(ctx context.Context, in DecrementInput) (Result, error) {
	return s.outbound(ctx, in, MovementTransferOut)
}

func (s *Service) inbound(ctx context.Context, in IncrementInput, typ MovementType) (Result, error) {
	if !in.Quantity.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return Result{}, ErrInvalidUnitCost
	}
	req := postRequest{key: in.Key, idempotencyKey: in.IdempotencyKey, policy: s.cfg.NegativeStock}
	return s.post(ctx, req, func(b *Balance) (*StockMovement, error) {
		t := typ
		if t == MovementIn && !b.Exists() {
			t = MovementInitial
		}
		m := s.newMovement(in.Key, t, in.Quantity, 1, in.UnitCost, in.Ref, in.OccurredAt, in.ActorID)
		m.SerialID = in.SerialID
		return &m, nil
	})
}

func (s *Service) outbound(ctx context.Context, in DecrementInput, typ MovementType) (Result, error) {
	if !in.Quantity.IsPositive() {
		return Result{}, ErrInvalidQuantity
	}
	if in.ReleaseReserved.IsNegative() {
		return Result{}, ErrInvalidQuantity
	}
	req := postRequest{key: in.Key, idempotencyKey: in.IdempotencyKey, policy: s.cfg.NegativeStock}
	return s.post(ctx, req, func(b *Balance) (*StockMovement, error) {
		if in.ReleaseReserved.IsPositive() {
			b.ReservedQty = decimal.Max(b.ReservedQty.Sub(in.ReleaseReserved), decimal.Zero)
		}
		m := s.newMovement(in.Key, typ, in.Quantity, -1, b.AvgCost, in.Ref, in.OccurredAt, in.ActorID)
		m.SerialID = in.SerialID
		return &m, nil
	})
}

// Adjust sets the absolute on-hand quantity. A zero delta succeeds without
// appending a movement.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (Result, error) {
	if in.NewQuantity.IsNegative() {
		return Result{}, ErrInvalidQuantity
	}
	if in.UnitCost != nil && in.UnitCost.IsNegative() {
		return Result{}, ErrInvalidUnitCost
	}
	req := postRequest{key: in.Key, idempotencyKey: in.IdempotencyKey, policy: s.cfg.NegativeStock}
	return s.post(ctx, req, func(b *Balance) (*StockMovement, error) {
		delta := in.NewQuantity.Sub(b.Quantity)
		if delta.IsZero() {
			return nil, nil
		}
		cost := b.AvgCost
		if delta.IsPositive() && in.UnitCost != nil {
			cost = *in.UnitCost
		}
		m := s.newMovement(in.Key, MovementAdjustment, delta.Abs(), directionOf(MovementAdjustment, delta), cost, in.Ref, in.OccurredAt, in.ActorID)
		return &m, nil
	})
}

// Compensate appends the movement that undoes the stock effect of m. It is
// used to roll back partially applied multi-line operations and is never
// rejected by the negative-stock policy.
func (s *Service) Compensate(ctx context.Context, m StockMovement, ref Reference, actorID string) (Result, error) {
	typ, sign := reversalOf(m)
	req := postRequest{key: m.Key(), policy: NegativeStockWarn}
	return s.post(ctx, req, func(b *Balance) (*StockMovement, error) {
		c := s.newMovement(m.Key(), typ, m.Quantity, sign, m.UnitCost, ref, time.Time{}, actorID)
		if sign < 0 {
			c.UnitCost = b.AvgCost
		}
		c.SerialID = m.SerialID
		return &c, nil
	})
}

func reversalOf(m StockMovement) (MovementType, int) {
	switch m.Type {
	case MovementInitial, MovementIn:
		return MovementOut, -1
	case MovementOut:
		return MovementIn, 1
	case MovementTransferIn:
		return MovementTransferOut, -1
	case MovementTransferOut:
		return MovementTransferIn, 1
	default:
		return MovementAdjustment, -m.Sign
	}
}

// Recalculate rebuilds the balance of key from its movement history.
func (s *Service) Recalculate(ctx context.Context, key BalanceKey) (RecalcResult, error) {
	return s.reconciler.Recalculate(ctx, key)
}

// Reserve earmarks quantity. Availability is re-read under the key lock.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (Balance, error) {
	if !in.Quantity.IsPositive() {
		return Balance{}, ErrInvalidQuantity
	}
	return s.updateReservation(ctx, in, func(b *Balance) error {
		if in.Quantity.GreaterThan(b.Available()) {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientAvailable, in.Quantity, b.Available())
		}
		b.ReservedQty = b.ReservedQty.Add(in.Quantity)
		return nil
	})
}

// Release returns reserved quantity to availability.
func (s *Service) Release(ctx context.Context, in ReleaseInput) (Balance, error) {
	if !in.Quantity.IsPositive() {
		return Balance{}, ErrInvalidQuantity
	}
	return s.updateReservation(ctx, in, func(b *Balance) error {
		if in.Quantity.GreaterThan(b.ReservedQty) {
			return fmt.Errorf("%w: release %s exceeds reserved %s", ErrInvalidQuantity, in.Quantity, b.ReservedQty)
		}
		b.ReservedQty = b.ReservedQty.Sub(in.Quantity)
		return nil
	})
}

// GetBalance returns the live balance of key.
func (s *Service) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	if err := key.Validate(); err != nil {
		return Balance{}, err
	}
	return s.repo.GetBalance(ctx, key)
}

// ListBalances lists live balances of a company.
func (s *Service) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	if filter.CompanyID <= 0 {
		return nil, ErrInvalidKey
	}
	return s.repo.ListBalances(ctx, filter)
}

// ListMovements lists the stock card of a key ordered by (OccurredAt, ID).
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	if err := filter.Key.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, filter)
}

type postRequest struct {
	key            BalanceKey
	idempotencyKey string
	policy         NegativeStockPolicy
}

// planFunc inspects the locked balance and returns the movement to append,
// or nil for a no-op. It may adjust non-derived fields such as reservations.
type planFunc func(b *Balance) (*StockMovement, error)

func (s *Service) post(ctx context.Context, req postRequest, plan planFunc) (Result, error) {
	if err := req.key.Validate(); err != nil {
		return Result{}, err
	}
	if err := s.checkReferences(ctx, req.key); err != nil {
		return Result{}, err
	}
	insertedKey := false
	if req.idempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, req.idempotencyKey, "inventory"); err != nil {
			return Result{}, err
		}
		insertedKey = true
	}

	var res Result
	err := s.withKey(ctx, req.key, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := loadForUpdate(ctx, tx, req.key)
			if err != nil {
				return err
			}
			next := current
			m, err := plan(&next)
			if err != nil {
				return err
			}
			if m == nil {
				res = Result{Balance: current}
				return nil
			}
			applied, err := applyMovement(next, *m)
			if err != nil {
				return err
			}
			var warnings []Warning
			if m.Sign < 0 && applied.Quantity.IsNegative() {
				if req.policy == NegativeStockBlock {
					return fmt.Errorf("%w: %s would drop to %s", ErrNegativeStock, req.key, applied.Quantity)
				}
				warnings = append(warnings, Warning{
					Code:     WarningNegativeStock,
					Key:      req.key,
					Quantity: applied.Quantity,
					Message:  fmt.Sprintf("on-hand quantity is %s", applied.Quantity),
				})
			}
			id, err := tx.InsertMovement(ctx, *m)
			if err != nil {
				return err
			}
			m.ID = id
			if m.OccurredAt.Before(current.LastMovementAt) {
				// Back-dated: fold the full history so cost follows occurredAt order.
				history, err := tx.History(ctx, req.key)
				if err != nil {
					return err
				}
				rebuilt, err := replayHistory(req.key, history)
				if err != nil {
					return err
				}
				rebuilt.ReservedQty = applied.ReservedQty
				applied = rebuilt
			}
			applied.Version = current.Version + 1
			applied.UpdatedAt = s.now()
			if err := tx.SaveBalance(ctx, applied, current.Version); err != nil {
				return err
			}
			res = Result{Balance: applied, Movement: m, Warnings: warnings}
			return nil
		})
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, req.idempotencyKey)
		}
		return Result{}, err
	}
	if res.Movement != nil {
		s.afterCommit(ctx, res)
	}
	return res, nil
}

func (s *Service) updateReservation(ctx context.Context, in ReserveInput, change func(b *Balance) error) (Balance, error) {
	if err := in.Key.Validate(); err != nil {
		return Balance{}, err
	}
	var out Balance
	err := s.withKey(ctx, in.Key, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetBalanceForUpdate(ctx, in.Key)
			if err != nil {
				return err
			}
			next := current
			if err := change(&next); err != nil {
				return err
			}
			next.Version = current.Version + 1
			next.UpdatedAt = s.now()
			if err := tx.SaveBalance(ctx, next, current.Version); err != nil {
				return err
			}
			out = next
			return nil
		})
	})
	if err != nil {
		return Balance{}, err
	}
	s.recordAudit(ctx, in.ActorID, "inventory:reservation", in.Key.String(), map[string]any{
		"reference_type": in.Ref.Type,
		"reference_id":   in.Ref.ID,
		"reserved_qty":   out.ReservedQty.String(),
	})
	return out, nil
}

// withKey runs fn holding the per-key lock, retrying lock timeouts and
// version conflicts within the configured budget.
func (s *Service) withKey(ctx context.Context, key BalanceKey, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxRetries), retry.NewExponential(s.cfg.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		unlock, err := s.locker.Acquire(ctx, shared.BalanceLockKey(key.String()))
		if err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				return retry.RetryableError(fmt.Errorf("%w: %s", ErrConcurrencyTimeout, key))
			}
			return err
		}
		defer unlock()
		err = fn(ctx)
		if errors.Is(err, ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrVersionConflict) {
		err = fmt.Errorf("%w: %w", ErrConcurrencyTimeout, err)
	}
	if errors.Is(err, ErrConcurrencyTimeout) {
		s.metrics.ConcurrencyTimeout()
	}
	return err
}

func loadForUpdate(ctx context.Context, tx TxRepository, key BalanceKey) (Balance, error) {
	b, err := tx.GetBalanceForUpdate(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{BalanceKey: key}, nil
	}
	return b, err
}

func (s *Service) checkReferences(ctx context.Context, key BalanceKey) error {
	if s.masterData == nil {
		return nil
	}
	checks := []struct {
		name string
		id   int64
		fn   func() (bool, error)
	}{
		{"company", key.CompanyID, func() (bool, error) { return s.masterData.CompanyExists(ctx, key.CompanyID) }},
		{"warehouse", key.WarehouseID, func() (bool, error) { return s.masterData.WarehouseExists(ctx, key.CompanyID, key.WarehouseID) }},
		{"item", key.ItemID, func() (bool, error) { return s.masterData.ItemExists(ctx, key.CompanyID, key.ItemID) }},
	}
	if key.LocationID != 0 {
		checks = append(checks, struct {
			name string
			id   int64
			fn   func() (bool, error)
		}{"location", key.LocationID, func() (bool, error) {
			return s.masterData.LocationExists(ctx, key.CompanyID, key.WarehouseID, key.LocationID)
		}})
	}
	for _, c := range checks {
		ok, err := c.fn()
		if err != nil {
			return fmt.Errorf("inventory: lookup %s %d: %w", c.name, c.id, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s %d", ErrUnknownReference, c.name, c.id)
		}
	}
	return nil
}

func (s *Service) newMovement(key BalanceKey, typ MovementType, qty decimal.Decimal, sign int, cost decimal.Decimal, ref Reference, occurredAt time.Time, actor string) StockMovement {
	now := s.now()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	return StockMovement{
		CompanyID:     key.CompanyID,
		WarehouseID:   key.WarehouseID,
		LocationID:    key.LocationID,
		ItemID:        key.ItemID,
		LotID:         key.LotID,
		Type:          typ,
		Quantity:      qty,
		Sign:          sign,
		UnitCost:      cost,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		OccurredAt:    occurredAt.UTC().Truncate(time.Microsecond),
		CreatedAt:     now,
		CreatedBy:     actor,
	}
}

func (s *Service) afterCommit(ctx context.Context, res Result) {
	m := *res.Movement
	s.metrics.MovementCommitted(m.Type)
	for _, w := range res.Warnings {
		if w.Code == WarningNegativeStock {
			s.metrics.NegativeStock()
			s.logger.Warn("negative stock",
				slog.String("key", w.Key.String()),
				slog.String("quantity", w.Quantity.String()),
				slog.String("reference_type", m.ReferenceType),
				slog.String("reference_id", m.ReferenceID))
		}
	}
	s.recordAudit(ctx, m.CreatedBy, fmt.Sprintf("inventory:%s", m.Type), fmt.Sprintf("%d", m.ID), map[string]any{
		"key":            m.Key().String(),
		"qty":            m.SignedQuantity().String(),
		"unit_cost":      m.UnitCost.String(),
		"reference_type": m.ReferenceType,
		"reference_id":   m.ReferenceID,
	})
	if s.events != nil {
		if err := s.events.PublishMovement(ctx, NewMovementCommittedEvent(m, res.Balance)); err != nil {
			s.logger.Warn("publish movement", slog.Int64("movement_id", m.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, actor, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "stock_ledger",
		EntityID: entityID,
		Meta:     meta,
	})
}

func (s *Service) now() time.Time {
	return s.cfg.Clock().UTC().Truncate(time.Microsecond)
}

type noopMetrics struct{}

func (noopMetrics) MovementCommitted(MovementType) {}
func (noopMetrics) NegativeStock()                 {}
func (noopMetrics) DriftRepaired()                 {}
func (noopMetrics) ConcurrencyTimeout()            {}
