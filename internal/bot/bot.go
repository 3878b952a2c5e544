// Package bot runs the botfleet process: the admin API server, the periodic
// scheduler and the orderly shutdown of every bot worker.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long the admin server and the workers get to
// finish once the process is asked to stop.
const shutdownTimeout = 30 * time.Second

// Fleet is the set of running workers the application stops on exit.
type Fleet interface {
	Shutdown(ctx context.Context)
}

// Bot owns the process-level components and their lifecycle.
type Bot struct {
	logger    *slog.Logger
	fleet     Fleet
	server    *http.Server
	listener  net.Listener
	scheduler *Scheduler
}

// NewBot wires the admin handler, the scheduler and the fleet together.
// scheduler may be nil.
func NewBot(logger *slog.Logger, addr string, handler http.Handler, fleet Fleet, scheduler *Scheduler) *Bot {
	return &Bot{
		logger: logger.With("component", "app"),
		fleet:  fleet,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		scheduler: scheduler,
	}
}

// WithListener serves the admin API on l instead of listening on addr.
func (b *Bot) WithListener(l net.Listener) *Bot {
	b.listener = l
	return b
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Workers are stopped before it returns.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting botfleet...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting admin API", "addr", b.addr())
		var err error
		if b.listener != nil {
			err = b.server.Serve(b.listener)
		} else {
			err = b.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin API stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping admin API...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
		defer cancel()
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("Error stopping admin API", "error", err)
		}
		return nil
	})

	if b.scheduler != nil {
		g.Go(func() error {
			b.logger.Info("Starting scheduler...")
			if err := b.scheduler.Start(); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}

			<-gCtx.Done()
			b.logger.Info("Shutdown signal received, stopping scheduler...")
			if err := b.scheduler.Stop(); err != nil {
				b.logger.Error("Error stopping scheduler", "error", err)
			}
			return nil
		})
	}

	b.logger.Info("botfleet running. Waiting for shutdown signal or error...")
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	b.fleet.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("botfleet stopped due to error", "error", err)
		return err
	}

	b.logger.Info("botfleet stopped gracefully.")
	return nil
}

func (b *Bot) addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.server.Addr
}
