package tasks

import (
	"context"
	"fmt"
	"time"
)

// newStatusSyncTask repairs persisted statuses that drifted from the worker
// registry, for example after a status write failed during a stop.
func newStatusSyncTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "status_sync")
	timeout := 30 * time.Second
	if deps.Config != nil && deps.Config.Database.OperationTimeout > 0 {
		timeout = 10 * deps.Config.Database.OperationTimeout
	}

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		fixed, err := deps.Syncer.SyncStatuses(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Status sync failed", "error", err, "corrected_so_far", fixed)
			return fmt.Errorf("status sync failed: %w", err)
		}
		if fixed > 0 {
			log.InfoContext(ctx, "Corrected drifted bot statuses", "count", fixed)
		} else {
			log.DebugContext(ctx, "Bot statuses already in sync")
		}
		return nil
	}
}
