package tasks

import (
	"context"
	"fmt"
	"time"
)

// newSQLMaintenanceTask compacts the sqlite file. VACUUM rewrites the whole
// file, so each run gets a longer budget than an ordinary store call.
func newSQLMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "sql_maintenance")
	timeout := 5 * time.Minute
	if deps.Config != nil && deps.Config.Database.OperationTimeout > 0 {
		timeout = 60 * deps.Config.Database.OperationTimeout
	}

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		began := time.Now()
		if err := deps.Store.RunSQLMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "Database compaction failed", "error", err, "elapsed", time.Since(began), "budget", timeout)
			return fmt.Errorf("sql maintenance failed: %w", err)
		}
		log.InfoContext(ctx, "Database compacted", "elapsed", time.Since(began))
		return nil
	}
}
