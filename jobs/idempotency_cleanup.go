package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

// DefaultIdempotencyRetention is used when a cleanup task carries no retention.
const DefaultIdempotencyRetention = 72 * time.Hour

// IdempotencyCleaner deletes idempotency keys older than the retention.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// HandleIdempotencyCleanup returns the asynq handler purging expired keys.
func HandleIdempotencyCleanup(cleaner IdempotencyCleaner, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload := IdempotencyCleanupPayload{OlderThan: DefaultIdempotencyRetention}
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return fmt.Errorf("jobs: decode cleanup payload: %v: %w", err, asynq.SkipRetry)
			}
		}
		if payload.OlderThan <= 0 {
			payload.OlderThan = DefaultIdempotencyRetention
		}
		tracker := metrics.Track(TaskIdempotencyCleanup)
		err := cleaner.Cleanup(ctx, payload.OlderThan)
		if err == nil && logger != nil {
			logger.Info("idempotency keys purged", slog.Duration("older_than", payload.OlderThan))
		}
		return tracker.End(err)
	}
}
