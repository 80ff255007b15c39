package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ErrorMappings translates ledger errors to HTTP statuses. Document modules
// append their own mappings to it.
var ErrorMappings = []httpx.Mapping{
	{Err: ErrInvalidQuantity, Status: http.StatusBadRequest, Title: "Invalid Quantity"},
	{Err: ErrInvalidUnitCost, Status: http.StatusBadRequest, Title: "Invalid Unit Cost"},
	{Err: ErrInvalidKey, Status: http.StatusBadRequest, Title: "Invalid Key"},
	{Err: ErrUnknownReference, Status: http.StatusUnprocessableEntity, Title: "Unknown Reference"},
	{Err: ErrOverReceipt, Status: http.StatusConflict, Title: "Over Receipt"},
	{Err: ErrNegativeStock, Status: http.StatusConflict, Title: "Negative Stock"},
	{Err: ErrInsufficientAvailable, Status: http.StatusConflict, Title: "Insufficient Available"},
	{Err: ErrConcurrencyTimeout, Status: http.StatusServiceUnavailable, Title: "Concurrency Timeout", RetryAfter: 1},
	{Err: ErrBalanceNotFound, Status: http.StatusNotFound, Title: "Balance Not Found"},
	{Err: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Duplicate Request"},
}

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Post("/increment", h.handleIncrement)
		r.Post("/decrement", h.handleDecrement)
		r.Post("/adjust", h.handleAdjust)
		r.Post("/recalculate", h.handleRecalculate)
		r.Post("/reserve", h.handleReserve)
		r.Post("/release", h.handleRelease)
		r.Post("/reconcile", h.handleReconcile)
	})
	r.Get("/balances", h.handleBalances)
	r.Get("/movements", h.handleMovements)
}

type keyRequest struct {
	CompanyID   int64 `json:"company_id" validate:"required,gt=0"`
	WarehouseID int64 `json:"warehouse_id" validate:"required,gt=0"`
	LocationID  int64 `json:"location_id" validate:"gte=0"`
	ItemID      int64 `json:"item_id" validate:"required,gt=0"`
	LotID       int64 `json:"lot_id" validate:"gte=0"`
}

func (k keyRequest) key() BalanceKey {
	return BalanceKey(k)
}

type movementRequest struct {
	keyRequest
	Quantity        decimal.Decimal `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	ReleaseReserved decimal.Decimal `json:"release_reserved"`
	ReferenceType   string          `json:"reference_type" validate:"required,max=64"`
	ReferenceID     string          `json:"reference_id" validate:"required,max=128"`
	SerialID        string          `json:"serial_id" validate:"max=128"`
	OccurredAt      *time.Time      `json:"occurred_at"`
	ActorID         string          `json:"actor_id" validate:"max=128"`
}

type adjustRequest struct {
	keyRequest
	NewQuantity   decimal.Decimal  `json:"new_quantity"`
	UnitCost      *decimal.Decimal `json:"unit_cost"`
	ReferenceType string           `json:"reference_type" validate:"required,max=64"`
	ReferenceID   string           `json:"reference_id" validate:"required,max=128"`
	OccurredAt    *time.Time       `json:"occurred_at"`
	ActorID       string           `json:"actor_id" validate:"max=128"`
}

type reconcileRequest struct {
	CompanyID int64 `json:"company_id" validate:"required,gt=0"`
}

type balanceResponse struct {
	CompanyID      int64           `json:"company_id"`
	WarehouseID    int64           `json:"warehouse_id"`
	LocationID     int64           `json:"location_id,omitempty"`
	ItemID         int64           `json:"item_id"`
	LotID          int64           `json:"lot_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReservedQty    decimal.Decimal `json:"reserved_qty"`
	AvailableQty   decimal.Decimal `json:"available_qty"`
	AvgCost        decimal.Decimal `json:"avg_cost"`
	LastMovementAt *time.Time      `json:"last_movement_at,omitempty"`
	Version        int64           `json:"version"`
}

type movementResponse struct {
	ID            int64           `json:"id"`
	Type          MovementType    `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
	SerialID      string          `json:"serial_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CreatedBy     string          `json:"created_by,omitempty"`
}

type resultResponse struct {
	Balance  balanceResponse   `json:"balance"`
	Movement *movementResponse `json:"movement,omitempty"`
	Warnings []Warning         `json:"warnings,omitempty"`
}

type recalcResponse struct {
	Before balanceResponse `json:"before"`
	After  balanceResponse `json:"after"`
	Drift  Drift           `json:"drift"`
	Clean  bool            `json:"clean"`
}

func (h *Handler) handleIncrement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.Increment(r.Context(), IncrementInput{
		Key:            req.key(),
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		Ref:            Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		SerialID:       req.SerialID,
		OccurredAt:     deref(req.OccurredAt),
		ActorID:        actorID(r, req.ActorID),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleDecrement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.Decrement(r.Context(), DecrementInput{
		Key:             req.key(),
		Quantity:        req.Quantity,
		ReleaseReserved: req.ReleaseReserved,
		Ref:             Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		SerialID:        req.SerialID,
		OccurredAt:      deref(req.OccurredAt),
		ActorID:         actorID(r, req.ActorID),
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.Adjust(r.Context(), AdjustInput{
		Key:            req.key(),
		NewQuantity:    req.NewQuantity,
		UnitCost:       req.UnitCost,
		Ref:            Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		OccurredAt:     deref(req.OccurredAt),
		ActorID:        actorID(r, req.ActorID),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.Recalculate(r.Context(), req.key())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, recalcResponse{
		Before: toBalanceResponse(res.Before),
		After:  toBalanceResponse(res.After),
		Drift:  res.Drift,
		Clean:  res.Drift.None(),
	})
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	h.handleReservation(w, r, h.service.Reserve)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.handleReservation(w, r, h.service.Release)
}

func (h *Handler) handleReservation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, in ReserveInput) (Balance, error)) {
	var req movementRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := op(r.Context(), ReserveInput{
		Key:      req.key(),
		Quantity: req.Quantity,
		Ref:      Reference{Type: req.ReferenceType, ID: req.ReferenceID},
		ActorID:  actorID(r, req.ActorID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalanceResponse(b))
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.Reconciler().Sweep(r.Context(), req.CompanyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("reconcile sweep",
		slog.Int64("company_id", req.CompanyID),
		slog.Int("checked", res.Checked),
		slog.Int("repaired", res.Repaired))
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	key, err := parseKeyQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if key.ItemID > 0 && key.WarehouseID > 0 {
		b, err := h.service.GetBalance(r.Context(), key)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toBalanceResponse(b))
		return
	}
	list, err := h.service.ListBalances(r.Context(), BalanceFilter{
		CompanyID:   key.CompanyID,
		WarehouseID: key.WarehouseID,
		ItemID:      key.ItemID,
		Limit:       500,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]balanceResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toBalanceResponse(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": out})
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	key, err := parseKeyQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := httpx.QueryInt64(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	list, err := h.service.ListMovements(r.Context(), MovementFilter{Key: key, Limit: int(limit)})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]movementResponse, 0, len(list))
	for _, m := range list {
		out = append(out, toMovementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

func (h *Handler) respondResult(w http.ResponseWriter, r *http.Request, res Result, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := resultResponse{Balance: toBalanceResponse(res.Balance), Warnings: res.Warnings}
	status := http.StatusOK
	if res.Movement != nil {
		mv := toMovementResponse(*res.Movement)
		out.Movement = &mv
		status = http.StatusCreated
	}
	httpx.JSON(w, status, out)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !isClientError(err) {
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, ErrorMappings...)
}

func parseKeyQuery(r *http.Request) (BalanceKey, error) {
	var (
		k   BalanceKey
		err error
	)
	for _, p := range []struct {
		name string
		dst  *int64
	}{
		{"company_id", &k.CompanyID},
		{"warehouse_id", &k.WarehouseID},
		{"location_id", &k.LocationID},
		{"item_id", &k.ItemID},
		{"lot_id", &k.LotID},
	} {
		if *p.dst, err = httpx.QueryInt64(r, p.name); err != nil {
			return BalanceKey{}, err
		}
	}
	return k, nil
}

func toBalanceResponse(b Balance) balanceResponse {
	out := balanceResponse{
		CompanyID:    b.CompanyID,
		WarehouseID:  b.WarehouseID,
		LocationID:   b.LocationID,
		ItemID:       b.ItemID,
		LotID:        b.LotID,
		Quantity:     b.Quantity,
		ReservedQty:  b.ReservedQty,
		AvailableQty: b.Available(),
		AvgCost:      b.AvgCost,
		Version:      b.Version,
	}
	if !b.LastMovementAt.IsZero() {
		t := b.LastMovementAt
		out.LastMovementAt = &t
	}
	return out
}

func toMovementResponse(m StockMovement) movementResponse {
	return movementResponse{
		ID:            m.ID,
		Type:          m.Type,
		Quantity:      m.SignedQuantity(),
		UnitCost:      m.UnitCost,
		ReferenceType: m.ReferenceType,
		ReferenceID:   m.ReferenceID,
		SerialID:      m.SerialID,
		OccurredAt:    m.OccurredAt,
		CreatedBy:     m.CreatedBy,
	}
}

// ActorFromRequest resolves the acting user: body value first, then the
// X-Actor-ID header set by the upstream gateway.
func ActorFromRequest(r *http.Request, fromBody string) string {
	return actorID(r, fromBody)
}

func actorID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return r.Header.Get("X-Actor-ID")
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func isClientError(err error) bool {
	for _, m := range ErrorMappings {
		if m.Status < http.StatusInternalServerError && errors.Is(err, m.Err) {
			return true
		}
	}
	return errors.Is(err, httpx.ErrValidation)
}
