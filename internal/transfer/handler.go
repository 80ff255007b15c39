package transfer

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

var errorMappings = append(slices.Clone(inventory.ErrorMappings),
	httpx.Mapping{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Transfer Not Found"},
	httpx.Mapping{Err: ErrInvalidState, Status: http.StatusConflict, Title: "Invalid Transfer State"},
	httpx.Mapping{Err: ErrInvalidTransfer, Status: http.StatusBadRequest, Title: "Invalid Transfer"},
)

// Handler exposes transfer endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}/lines", h.updateLines)
	r.Post("/{id}/ship", h.ship)
	r.Post("/{id}/receive", h.receive)
	r.Post("/{id}/cancel", h.cancel)
}

type lineRequest struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	LotID    int64           `json:"lot_id" validate:"gte=0"`
	Quantity decimal.Decimal `json:"quantity"`
}

type createRequest struct {
	CompanyID       int64         `json:"company_id" validate:"required,gt=0"`
	FromWarehouseID int64         `json:"from_warehouse_id" validate:"required,gt=0"`
	FromLocationID  int64         `json:"from_location_id" validate:"gte=0"`
	ToWarehouseID   int64         `json:"to_warehouse_id" validate:"required,gt=0,nefield=FromWarehouseID"`
	ToLocationID    int64         `json:"to_location_id" validate:"gte=0"`
	Note            string        `json:"note" validate:"max=500"`
	ActorID         string        `json:"actor_id" validate:"max=128"`
	Lines           []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type linesRequest struct {
	Lines []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type actionRequest struct {
	ActorID string `json:"actor_id" validate:"max=128"`
}

type receiveRequest struct {
	ActorID    string        `json:"actor_id" validate:"max=128"`
	OccurredAt *time.Time    `json:"occurred_at"`
	Lines      []lineRequest `json:"lines" validate:"dive"`
}

type lineResponse struct {
	ID          int64           `json:"id"`
	ItemID      int64           `json:"item_id"`
	LotID       int64           `json:"lot_id,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	ReceivedQty decimal.Decimal `json:"received_qty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

type transferResponse struct {
	ID              int64               `json:"id"`
	Number          string              `json:"number"`
	CompanyID       int64               `json:"company_id"`
	FromWarehouseID int64               `json:"from_warehouse_id"`
	FromLocationID  int64               `json:"from_location_id,omitempty"`
	ToWarehouseID   int64               `json:"to_warehouse_id"`
	ToLocationID    int64               `json:"to_location_id,omitempty"`
	Status          Status              `json:"status"`
	Note            string              `json:"note,omitempty"`
	CreatedBy       string              `json:"created_by,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	ShippedAt       *time.Time          `json:"shipped_at,omitempty"`
	ReceivedAt      *time.Time          `json:"received_at,omitempty"`
	CancelledAt     *time.Time          `json:"cancelled_at,omitempty"`
	Lines           []lineResponse      `json:"lines"`
	Warnings        []inventory.Warning `json:"warnings,omitempty"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.service.Create(r.Context(), CreateInput{
		CompanyID:       req.CompanyID,
		FromWarehouseID: req.FromWarehouseID,
		FromLocationID:  req.FromLocationID,
		ToWarehouseID:   req.ToWarehouseID,
		ToLocationID:    req.ToLocationID,
		Note:            req.Note,
		ActorID:         inventory.ActorFromRequest(r, req.ActorID),
		Lines:           toLineInputs(req.Lines),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("transfer created", slog.Int64("transfer_id", t.ID), slog.String("number", t.Number))
	httpx.JSON(w, http.StatusCreated, toResponse(t, nil))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(t, nil))
}

func (h *Handler) updateLines(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req linesRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.service.UpdateLines(r.Context(), id, toLineInputs(req.Lines))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(t, nil))
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, actor string) (Outcome, error) {
		return h.service.Ship(r.Context(), id, actor)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, actor string) (Outcome, error) {
		return h.service.Cancel(r.Context(), id, actor)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(id int64, actor string) (Outcome, error)) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := httpx.Bind(r, h.validator, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	out, err := op(id, inventory.ActorFromRequest(r, req.ActorID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(out.Transfer, out.Warnings))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req receiveRequest
	if r.ContentLength != 0 {
		if err := httpx.Bind(r, h.validator, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	in := ReceiveInput{TransferID: id, ActorID: inventory.ActorFromRequest(r, req.ActorID)}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, ReceiveLine{ItemID: l.ItemID, LotID: l.LotID, Quantity: l.Quantity})
	}
	out, err := h.service.Receive(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(out.Transfer, out.Warnings))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("transfer request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err, errorMappings...)
}

func toLineInputs(in []lineRequest) []LineInput {
	out := make([]LineInput, 0, len(in))
	for _, l := range in {
		out = append(out, LineInput{ItemID: l.ItemID, LotID: l.LotID, Quantity: l.Quantity})
	}
	return out
}

func toResponse(t Transfer, warnings []inventory.Warning) transferResponse {
	lines := make([]lineResponse, 0, len(t.Lines))
	for _, l := range t.Lines {
		lines = append(lines, lineResponse(l))
	}
	return transferResponse{
		ID:              t.ID,
		Number:          t.Number,
		CompanyID:       t.CompanyID,
		FromWarehouseID: t.FromWarehouseID,
		FromLocationID:  t.FromLocationID,
		ToWarehouseID:   t.ToWarehouseID,
		ToLocationID:    t.ToLocationID,
		Status:          t.Status,
		Note:            t.Note,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		ShippedAt:       t.ShippedAt,
		ReceivedAt:      t.ReceivedAt,
		CancelledAt:     t.CancelledAt,
		Lines:           lines,
		Warnings:        warnings,
	}
}
