package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// MovementSink receives committed movements on the consuming side.
type MovementSink interface {
	ConsumeMovement(ctx context.Context, evt inventory.MovementCommittedEvent) error
}

// LogSink writes committed movements to the log. It stands in until a
// costing consumer is attached.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) ConsumeMovement(_ context.Context, evt inventory.MovementCommittedEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("movement committed",
		slog.Int64("movement_id", evt.MovementID),
		slog.Int64("company_id", evt.CompanyID),
		slog.Int64("warehouse_id", evt.WarehouseID),
		slog.Int64("item_id", evt.ItemID),
		slog.String("type", string(evt.Type)),
		slog.String("quantity", evt.Quantity),
		slog.String("unit_cost", evt.UnitCost))
	return nil
}

// MovementCommittedHandler decodes movement events and forwards them to a sink.
type MovementCommittedHandler struct {
	sink    MovementSink
	metrics *jobmetrics.Metrics
}

// NewMovementCommittedHandler constructs MovementCommittedHandler.
func NewMovementCommittedHandler(sink MovementSink, metrics *jobmetrics.Metrics) *MovementCommittedHandler {
	return &MovementCommittedHandler{sink: sink, metrics: metrics}
}

// ProcessTask implements asynq.Handler.
func (h *MovementCommittedHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var evt inventory.MovementCommittedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("jobs: decode movement event: %v: %w", err, asynq.SkipRetry)
	}
	if evt.MovementID <= 0 || evt.CompanyID <= 0 {
		return fmt.Errorf("jobs: movement event without ids: %w", asynq.SkipRetry)
	}
	tracker := h.metrics.Track(TaskMovementCommitted)
	err := h.sink.ConsumeMovement(ctx, evt)
	if err == nil {
		h.metrics.AddProcessed(TaskMovementCommitted, 1)
	}
	return tracker.End(err)
}
