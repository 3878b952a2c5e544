// Package tasks implements the periodic jobs run by the botfleet scheduler.
package tasks

import (
	"context"
	"log/slog"

	"github.com/edgard/botfleet/internal/config"
	"github.com/edgard/botfleet/internal/database"
)

// StatusSyncer rewrites persisted bot statuses to match the running workers.
type StatusSyncer interface {
	SyncStatuses(ctx context.Context) (int, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Syncer StatusSyncer
	Config *config.Config
}
