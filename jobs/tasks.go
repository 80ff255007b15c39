package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAccounting carries committed movements to costing/accounting consumers.
	QueueAccounting = "accounting"

	// TaskMovementCommitted announces one committed stock movement.
	TaskMovementCommitted = "inventory:movement_committed"
	// TaskReconcile sweeps balances against their movement history.
	TaskReconcile = "inventory:reconcile"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewMovementCommittedTask wraps evt. The task id is derived from the movement
// id so a movement is enqueued at most once.
func NewMovementCommittedTask(evt inventory.MovementCommittedEvent) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMovementCommitted, body,
		asynq.Queue(QueueAccounting),
		asynq.TaskID("movement:"+strconv.FormatInt(evt.MovementID, 10)),
		asynq.MaxRetry(10),
	), nil
}

// ReconcilePayload selects the companies to sweep. Zero CompanyID sweeps all.
type ReconcilePayload struct {
	CompanyID    int64     `json:"company_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReconcileTask constructs a reconciliation sweep task.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(1),
		asynq.Timeout(time.Hour),
	), nil
}

// IdempotencyCleanupPayload sets the retention of idempotency keys.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("jobs: idempotency retention must be positive, got %s", olderThan)
	}
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
