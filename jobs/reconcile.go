package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// Sweeper recalculates every balance of one company.
type Sweeper interface {
	Sweep(ctx context.Context, companyID int64) (inventory.SweepResult, error)
}

// CompanyLister enumerates the tenants to sweep.
type CompanyLister interface {
	ListCompanyIDs(ctx context.Context) ([]int64, error)
}

// ReconcileHandler runs the reconciliation sweep.
type ReconcileHandler struct {
	sweeper   Sweeper
	companies CompanyLister
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewReconcileHandler constructs ReconcileHandler.
func NewReconcileHandler(sweeper Sweeper, companies CompanyLister, metrics *jobmetrics.Metrics, logger *slog.Logger) *ReconcileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileHandler{sweeper: sweeper, companies: companies, metrics: metrics, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("jobs: decode reconcile payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	tracker := h.metrics.Track(TaskReconcile)
	_, err := h.Run(ctx, payload.CompanyID)
	return tracker.End(err)
}

// Run sweeps one company, or every company when companyID is zero. A failing
// company does not stop the others; the joined error is returned.
func (h *ReconcileHandler) Run(ctx context.Context, companyID int64) (inventory.SweepResult, error) {
	companies := []int64{companyID}
	if companyID == 0 {
		ids, err := h.companies.ListCompanyIDs(ctx)
		if err != nil {
			return inventory.SweepResult{}, fmt.Errorf("jobs: list companies: %w", err)
		}
		companies = ids
	}

	var (
		total inventory.SweepResult
		errs  []error
	)
	for _, id := range companies {
		res, err := h.sweeper.Sweep(ctx, id)
		if err != nil {
			h.logger.Error("reconcile sweep failed", slog.Int64("company_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("company %d: %w", id, err))
			continue
		}
		total.Checked += res.Checked
		total.Repaired += res.Repaired
		total.Drifts = append(total.Drifts, res.Drifts...)
		h.logger.Info("reconcile sweep",
			slog.String("job", TaskReconcile),
			slog.Int64("company_id", id),
			slog.Int("checked", res.Checked),
			slog.Int("repaired", res.Repaired))
	}
	h.metrics.AddProcessed(TaskReconcile, total.Checked)
	return total, errors.Join(errs...)
}
