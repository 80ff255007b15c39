package stockcount

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
	httpx.Mapping{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Count Not Found"},
	httpx.Mapping{Err: ErrInvalidState, Status: http.StatusConflict, Title: "Invalid Count State"},
	httpx.Mapping{Err: ErrInvalidCount, Status: http.StatusBadRequest, Title: "Invalid Count"},
)

// Handler exposes inventory count endpoints.
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

// MountRoutes registers count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.open)
	r.Get("/{id}", h.show)
	r.Post("/{id}/lines/{lineID}/count", h.record)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/close", h.close)
	r.Post("/{id}/cancel", h.cancel)
}

type openRequest struct {
	CompanyID   int64   `json:"company_id" validate:"required,gt=0"`
	WarehouseID int64   `json:"warehouse_id" validate:"required,gt=0"`
	LocationID  int64   `json:"location_id" validate:"gte=0"`
	ItemIDs     []int64 `json:"item_ids" validate:"dive,gt=0"`
	Note        string  `json:"note" validate:"max=500"`
	ActorID     string  `json:"actor_id" validate:"max=128"`
}

type recordRequest struct {
	CountedQty decimal.Decimal `json:"counted_qty"`
	ActorID    string          `json:"actor_id" validate:"max=128"`
}

type actionRequest struct {
	ActorID string `json:"actor_id" validate:"max=128"`
}

type lineResponse struct {
	ID         int64           `json:"id"`
	ItemID     int64           `json:"item_id"`
	LotID      int64           `json:"lot_id,omitempty"`
	SystemQty  decimal.Decimal `json:"system_qty"`
	CountedQty decimal.Decimal `json:"counted_qty"`
	Counted    bool            `json:"counted"`
	Difference decimal.Decimal `json:"difference"`
}

type countResponse struct {
	ID          int64          `json:"id"`
	Number      string         `json:"number"`
	CompanyID   int64          `json:"company_id"`
	WarehouseID int64          `json:"warehouse_id"`
	LocationID  int64          `json:"location_id,omitempty"`
	Status      Status         `json:"status"`
	Note        string         `json:"note,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	Lines       []lineResponse `json:"lines"`
	Adjustments []int64        `json:"adjustment_movement_ids,omitempty"`
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.service.Open(r.Context(), OpenInput{
		CompanyID:   req.CompanyID,
		WarehouseID: req.WarehouseID,
		LocationID:  req.LocationID,
		ItemIDs:     req.ItemIDs,
		Note:        req.Note,
		ActorID:     inventory.ActorFromRequest(r, req.ActorID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(c))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lineID, err := httpx.URLInt64(r, "lineID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req recordRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.service.RecordCount(r.Context(), RecordInput{
		CountID:    id,
		LineID:     lineID,
		CountedQty: req.CountedQty,
		ActorID:    inventory.ActorFromRequest(r, req.ActorID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.service.SubmitForReview(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
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
	out, err := h.service.Close(r.Context(), id, inventory.ActorFromRequest(r, req.ActorID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := toResponse(out.Count)
	for _, adj := range out.Adjustments {
		resp.Adjustments = append(resp.Adjustments, adj.Movement.ID)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.URLInt64(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("count request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err, errorMappings...)
}

func toResponse(c Count) countResponse {
	lines := make([]lineResponse, 0, len(c.Lines))
	for _, l := range c.Lines {
		lines = append(lines, lineResponse{
			ID:         l.ID,
			ItemID:     l.ItemID,
			LotID:      l.LotID,
			SystemQty:  l.SystemQty,
			CountedQty: l.CountedQty,
			Counted:    l.Counted,
			Difference: l.Difference(),
		})
	}
	return countResponse{
		ID:          c.ID,
		Number:      c.Number,
		CompanyID:   c.CompanyID,
		WarehouseID: c.WarehouseID,
		LocationID:  c.LocationID,
		Status:      c.Status,
		Note:        c.Note,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
		ClosedAt:    c.ClosedAt,
		Lines:       lines,
	}
}
