package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/botfleet/internal/bot/tasks"
	"github.com/edgard/botfleet/internal/config"
	botlog "github.com/edgard/botfleet/internal/logger"
)

// Scheduler runs the configured periodic tasks with gocron.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	cfg       *config.SchedulerConfig
	taskMap   map[string]tasks.ScheduledTaskFunc
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a scheduler for the tasks in taskMap.
func NewScheduler(logger *slog.Logger, cfg *config.SchedulerConfig, taskMap map[string]tasks.ScheduledTaskFunc) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := gocron.NewScheduler(gocron.WithLogger(botlog.NewGocronLogger(logger)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
		cfg:       cfg,
		taskMap:   taskMap,
	}, nil
}

// Start registers every enabled task and starts ticking. Tasks that are
// unknown or fail to parse are skipped with a warning.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler is already running")
	}

	scheduledCount := 0
	if s.cfg != nil {
		for taskName, taskConfig := range s.cfg.Tasks {
			if !taskConfig.Enabled {
				s.logger.Info("Skipping disabled task", "task_name", taskName)
				continue
			}
			taskFunc, exists := s.taskMap[taskName]
			if !exists {
				s.logger.Warn("Scheduled task configured but not found in registry, skipping", "task_name", taskName)
				continue
			}

			_, err := s.scheduler.NewJob(
				gocron.CronJob(taskConfig.Schedule, true),
				gocron.NewTask(s.runTask, context.Background(), taskName, taskFunc),
				gocron.WithName(taskName),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				s.logger.Error("Failed to schedule task", "task_name", taskName, "schedule", taskConfig.Schedule, "error", err)
				continue
			}

			s.logger.Info("Scheduled task", "task_name", taskName, "schedule", taskConfig.Schedule)
			scheduledCount++
		}
	}
	if scheduledCount == 0 {
		s.logger.Warn("No scheduler tasks configured.")
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", scheduledCount)
	return nil
}

// runTask is the gocron job body.
func (s *Scheduler) runTask(ctx context.Context, name string, taskFunc tasks.ScheduledTaskFunc) {
	s.logger.InfoContext(ctx, "Running scheduled task", "task_name", name)
	startTime := time.Now()
	if err := taskFunc(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Scheduled task failed", "task_name", name, "error", err)
	}
	s.logger.InfoContext(ctx, "Finished scheduled task", "task_name", name, "duration", time.Since(startTime))
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Stop shuts the scheduler down, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Info("Scheduler is not running, nothing to stop.")
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped gracefully.")
	}
	s.running = false
	return err
}
