// Package main is the botfleet entrypoint: it hosts many chat bots in one
// process and exposes an admin API to manage them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgard/botfleet/internal/admin"
	"github.com/edgard/botfleet/internal/bot"
	"github.com/edgard/botfleet/internal/bot/tasks"
	"github.com/edgard/botfleet/internal/config"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/gemini"
	"github.com/edgard/botfleet/internal/logger"
	"github.com/edgard/botfleet/internal/orchestrator"
	"github.com/edgard/botfleet/internal/telegram"
	"github.com/edgard/botfleet/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "botfleet",
		Short:        "Run many Telegram bots from one process",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./config.yaml", "Path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the admin API, the scheduler and the bot workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(configPath)
		},
	})
	return root
}

func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		slog.Error("Failed to load configuration", "path", path, "error", err)
		return nil, nil, err
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return cfg, log, nil
}

func migrate(configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to migrate database", "path", cfg.Database.Path, "error", err)
		return err
	}
	database.CloseDB(db)
	return nil
}

// serve builds every component and blocks until ctx is cancelled.
func serve(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return err
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	gemClient, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return err
	}

	fleet := orchestrator.New(store, telegram.NewDialer(cfg.Telegram, log), gemClient, orchestrator.Config{
		StopGracePeriod:  cfg.Orchestrator.StopGracePeriod,
		OperationTimeout: cfg.Database.OperationTimeout,
		ReadRetries:      cfg.Database.ReadRetries,
		EchoPrefix:       cfg.Messages.EchoPrefix,
		Worker: worker.Config{
			HistoryLimit:        cfg.Database.MaxHistoryMessages,
			OperationTimeout:    cfg.Database.OperationTimeout,
			ReadRetries:         cfg.Database.ReadRetries,
			ReplyTimeout:        replyTimeout(cfg),
			TextOnlyMessage:     cfg.Messages.TextOnly,
			GeneralErrorMessage: cfg.Messages.GeneralError,
		},
	}, log)

	resumed, err := fleet.Restore(ctx, cfg.Orchestrator.ResumeRunning)
	if err != nil {
		// Bots that failed to resume stay stopped and can be started through the API.
		log.Warn("Some bots could not be resumed", "error", err)
	}
	log.Info("Bot statuses restored", "resumed", resumed, "resume_running", cfg.Orchestrator.ResumeRunning)

	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: log,
		Store:  store,
		Syncer: fleet,
		Config: cfg,
	}))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		fleet.Shutdown(context.Background())
		return err
	}

	app := bot.NewBot(log, cfg.Admin.Addr, admin.NewRouter(fleet, cfg.Admin, log), fleet, sched)
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("botfleet stopped due to error", "error", err)
		return err
	}
	return nil
}

// replyTimeout bounds one event's pipeline: up to three completion calls,
// each with its own retries, plus the store writes around them.
func replyTimeout(cfg *config.Config) time.Duration {
	g := cfg.Gemini
	perCall := g.RequestTimeout*time.Duration(g.MaxRetries+1) + g.RetryDelay*time.Duration(g.MaxRetries)
	return 3*perCall + 4*cfg.Database.OperationTimeout
}
