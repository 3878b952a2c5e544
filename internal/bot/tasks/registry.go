package tasks

import (
	"context"

	"github.com/edgard/botfleet/internal/config"
)

// ScheduledTaskFunc defines the signature for all scheduled tasks. The
// context provided by the scheduler should be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks returns every known task keyed by the name used in the
// scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := map[string]ScheduledTaskFunc{
		config.TaskSQLMaintenance: newSQLMaintenanceTask(deps),
	}
	if deps.Syncer != nil {
		tasks[config.TaskStatusSync] = newStatusSyncTask(deps)
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
