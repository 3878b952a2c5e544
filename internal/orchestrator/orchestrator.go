// Package orchestrator owns the set of running bot workers and the lifecycle
// operations on bots: create, configure, start, stop and delete.
//
// The in-memory registry is the source of truth for whether a bot is
// running. The status column in the store is a mirror kept for display.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/logger"
	"github.com/edgard/botfleet/internal/pipeline"
	"github.com/edgard/botfleet/internal/telegram"
	"github.com/edgard/botfleet/internal/worker"
)

// Config tunes the orchestrator.
type Config struct {
	// StopGracePeriod bounds how long Stop waits for the receive loop and
	// for the transport to release.
	StopGracePeriod time.Duration
	// OperationTimeout bounds each store call.
	OperationTimeout time.Duration
	// ReadRetries is the number of attempts for store reads.
	ReadRetries int
	// EchoPrefix is used by bots in echo mode.
	EchoPrefix string
	// Worker is the template for every worker's settings.
	Worker worker.Config
}

// handle is a running worker. conn and cancel are set under Orchestrator.mu
// once the transport is live; until then the handle only reserves the bot id
// and the bot still reports as stopped.
type handle struct {
	botID     string
	conn      telegram.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Orchestrator runs workers for many bots in one process.
type Orchestrator struct {
	store     database.Store
	dialer    telegram.Dialer
	completer pipeline.Completer
	validate  *validator.Validate
	cfg       Config
	base      *slog.Logger
	log       *slog.Logger

	mu      sync.Mutex
	running map[string]*handle
	locks   keyedMutex
}

// New creates an orchestrator. completer may be nil when only echo bots are
// used.
func New(store database.Store, dialer telegram.Dialer, completer pipeline.Completer, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.ReadRetries <= 0 {
		cfg.ReadRetries = 1
	}
	return &Orchestrator{
		store:     store,
		dialer:    dialer,
		completer: completer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		cfg:       cfg,
		base:      log,
		log:       log.With("component", "orchestrator"),
		running:   make(map[string]*handle),
	}
}

// Create stores a new stopped bot and returns its generated id.
func (o *Orchestrator) Create(ctx context.Context, token, botHandle string, cfg database.BotConfig) (string, error) {
	if err := validateCredentials(token, botHandle); err != nil {
		return "", err
	}
	if err := ValidateConfig(o.validate, cfg); err != nil {
		return "", err
	}

	bot := &database.Bot{
		ID:     uuid.New().String(),
		Token:  token,
		Handle: botHandle,
		Config: cfg,
		Status: database.BotStatusStopped,
	}
	if err := o.store.CreateBot(ctx, bot); err != nil {
		return "", err
	}

	o.log.InfoContext(ctx, "Bot created", "bot_id", bot.ID, "handle", botHandle, "mode", cfg.EffectiveMode())
	return bot.ID, nil
}

// UpdateConfiguration replaces a stopped bot's configuration.
func (o *Orchestrator) UpdateConfiguration(ctx context.Context, botID string, cfg database.BotConfig) error {
	unlock := o.locks.Lock(botID)
	defer unlock()

	if o.IsRunning(botID) {
		return apperr.Errorf(apperr.ErrRunning, "bot %s must be stopped before its configuration changes", botID)
	}
	if err := ValidateConfig(o.validate, cfg); err != nil {
		return err
	}
	if err := o.store.UpdateBotConfig(ctx, botID, cfg); err != nil {
		return err
	}

	o.log.InfoContext(ctx, "Bot configuration updated", "bot_id", botID)
	return nil
}

// Delete stops the bot if it is running, then removes it with its chats and
// messages. The removal is attempted even when stopping reports an error.
func (o *Orchestrator) Delete(ctx context.Context, botID string) error {
	unlock := o.locks.Lock(botID)
	defer unlock()

	if h := o.lookup(botID); h != nil {
		o.log.InfoContext(ctx, "Stopping bot before deletion", "bot_id", botID)
		if err := o.stopLocked(ctx, h, true); err != nil {
			o.log.WarnContext(ctx, "Stop before deletion reported an error", "bot_id", botID, "error", err)
		}
	}

	if err := o.store.DeleteBot(ctx, botID); err != nil {
		return err
	}
	o.log.InfoContext(ctx, "Bot deleted", "bot_id", botID)
	return nil
}

// Start connects the bot's transport and launches its worker.
func (o *Orchestrator) Start(ctx context.Context, botID string) error {
	unlock := o.locks.Lock(botID)
	defer unlock()

	h, err := o.reserve(botID)
	if err != nil {
		return err
	}
	log := o.log.With("bot_id", botID)

	started := false
	defer func() {
		if started {
			return
		}
		o.release(h)
		o.markStopped(context.WithoutCancel(ctx), log, botID)
	}()

	bot, err := database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout,
		func(ctx context.Context) (*database.Bot, error) { return o.store.GetBot(ctx, botID) })
	if err != nil {
		return err
	}

	replier, err := pipeline.New(bot.Config, o.completer, pipeline.Options{
		EchoPrefix: o.cfg.EchoPrefix,
		Logger:     o.base.With("bot_id", botID),
	})
	if err != nil {
		return err
	}

	conn, err := o.dialer.Dial(ctx, botID, bot.Token)
	if err != nil {
		log.ErrorContext(ctx, "Failed to connect bot transport", "error", err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.activate(h, conn, cancel)

	w := worker.New(botID, conn, o.store, replier, o.cfg.Worker, o.base)
	go o.runWorker(runCtx, h, w)

	if err := o.store.UpdateBotStatus(ctx, botID, database.BotStatusRunning); err != nil {
		log.ErrorContext(ctx, "Failed to persist running status, rolling back start", "error", err)
		o.shutdownHandle(ctx, h)
		return err
	}

	started = true
	log.InfoContext(ctx, "Bot started", "handle", bot.Handle, "mode", bot.Config.EffectiveMode())
	return nil
}

// Stop halts the bot's worker, releases its transport and marks it stopped.
func (o *Orchestrator) Stop(ctx context.Context, botID string) error {
	unlock := o.locks.Lock(botID)
	defer unlock()

	h := o.lookup(botID)
	if h == nil {
		return apperr.Errorf(apperr.ErrNotRunning, "bot %s is not running", botID)
	}
	return o.stopLocked(ctx, h, true)
}

// List returns all bots with their status taken from the registry.
func (o *Orchestrator) List(ctx context.Context) ([]database.Bot, error) {
	bots, err := database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout, o.store.ListBots)
	if err != nil {
		return nil, err
	}
	for i := range bots {
		bots[i].Status = o.status(bots[i].ID)
	}
	return bots, nil
}

// Get returns one bot with its status taken from the registry.
func (o *Orchestrator) Get(ctx context.Context, botID string) (*database.Bot, error) {
	bot, err := o.getBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	bot.Status = o.status(botID)
	return bot, nil
}

// ListChats returns the chats of an existing bot.
func (o *Orchestrator) ListChats(ctx context.Context, botID string) ([]database.Chat, error) {
	if _, err := o.getBot(ctx, botID); err != nil {
		return nil, err
	}
	return database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout,
		func(ctx context.Context) ([]database.Chat, error) { return o.store.ListChats(ctx, botID) })
}

// GetHistory returns the full ordered history of one chat.
func (o *Orchestrator) GetHistory(ctx context.Context, botID, chatID string) ([]database.Message, error) {
	if _, err := o.getBot(ctx, botID); err != nil {
		return nil, err
	}
	return database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout,
		func(ctx context.Context) ([]database.Message, error) {
			return o.store.GetChatHistory(ctx, botID, chatID, 0)
		})
}

// ClearHistory deletes one chat and its messages.
func (o *Orchestrator) ClearHistory(ctx context.Context, botID, chatID string) error {
	if err := o.store.ClearChatHistory(ctx, botID, chatID); err != nil {
		return err
	}
	o.log.InfoContext(ctx, "Chat history cleared", "bot_id", botID, "chat_id", chatID)
	return nil
}

// IsRunning reports whether botID has a live worker. A bot whose start is
// still connecting is not running yet.
func (o *Orchestrator) IsRunning(botID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.running[botID]
	return h != nil && h.conn != nil
}

// Running returns the ids of live workers in sorted order.
func (o *Orchestrator) Running() []string {
	return o.registered(true)
}

// Restore reconciles persisted statuses at boot. Every bot is marked
// stopped; with resume set, bots that were mirrored as running are started
// again. It returns how many bots were started.
func (o *Orchestrator) Restore(ctx context.Context, resume bool) (int, error) {
	bots, err := database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout, o.store.ListBots)
	if err != nil {
		return 0, err
	}
	reset, err := o.store.ResetBotStatuses(ctx)
	if err != nil {
		return 0, err
	}
	o.log.InfoContext(ctx, "Persisted bot statuses reset", "count", reset)

	if !resume {
		return 0, nil
	}

	started := 0
	var errs []error
	for _, bot := range bots {
		if bot.Status != database.BotStatusRunning {
			continue
		}
		if err := o.Start(ctx, bot.ID); err != nil {
			o.log.ErrorContext(ctx, "Failed to resume bot", "bot_id", bot.ID, "error", err)
			errs = append(errs, fmt.Errorf("resume %s: %w", bot.ID, err))
			continue
		}
		started++
	}
	return started, errors.Join(errs...)
}

// SyncStatuses rewrites persisted statuses that disagree with the registry
// and returns how many were corrected.
func (o *Orchestrator) SyncStatuses(ctx context.Context) (int, error) {
	bots, err := database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout, o.store.ListBots)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, bot := range bots {
		changed, err := o.syncStatus(ctx, bot)
		if err != nil {
			return fixed, err
		}
		if changed {
			fixed++
		}
	}
	return fixed, nil
}

// syncStatus corrects one bot under its key lock, so it never races a start
// or stop of the same bot.
func (o *Orchestrator) syncStatus(ctx context.Context, bot database.Bot) (bool, error) {
	unlock := o.locks.Lock(bot.ID)
	defer unlock()

	want := o.status(bot.ID)
	current, err := o.store.GetBot(ctx, bot.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	case current.Status == want:
		return false, nil
	}

	if err := o.store.UpdateBotStatus(ctx, bot.ID, want); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	o.log.InfoContext(ctx, "Corrected persisted bot status", "bot_id", bot.ID, "from", current.Status, "to", want)
	return true, nil
}

// Shutdown stops every worker for process exit. Persisted statuses are left
// as they are so Restore can resume them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, botID := range o.registered(false) {
		wg.Add(1)
		go func(botID string) {
			defer wg.Done()
			unlock := o.locks.Lock(botID)
			defer unlock()
			if h := o.lookup(botID); h != nil {
				_ = o.stopLocked(ctx, h, false)
			}
		}(botID)
	}
	wg.Wait()
	o.log.InfoContext(ctx, "All workers stopped")
}

// reserve atomically registers a placeholder for botID.
func (o *Orchestrator) reserve(botID string) (*handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[botID]; ok {
		return nil, apperr.Errorf(apperr.ErrAlreadyRunning, "bot %s is already running", botID)
	}
	h := &handle{botID: botID, done: make(chan struct{})}
	o.running[botID] = h
	return h, nil
}

// release removes h if it is still the registered handle.
func (o *Orchestrator) release(h *handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[h.botID] == h {
		delete(o.running, h.botID)
	}
}

// activate publishes the live transport on h.
func (o *Orchestrator) activate(h *handle, conn telegram.Conn, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h.conn = conn
	h.cancel = cancel
	h.startedAt = time.Now()
}

// registered lists the bot ids in the registry, optionally only those with a
// live transport.
func (o *Orchestrator) registered(liveOnly bool) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.running))
	for id, h := range o.running {
		if liveOnly && h.conn == nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// markStopped writes the stopped mirror after a failed start. A bot that no
// longer exists is ignored.
func (o *Orchestrator) markStopped(ctx context.Context, log *slog.Logger, botID string) {
	err := o.store.UpdateBotStatus(ctx, botID, database.BotStatusStopped)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		log.WarnContext(ctx, "Failed to persist stopped status after failed start", "error", err)
	}
}

func (o *Orchestrator) lookup(botID string) *handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[botID]
}

func (o *Orchestrator) status(botID string) database.BotStatus {
	if o.IsRunning(botID) {
		return database.BotStatusRunning
	}
	return database.BotStatusStopped
}

func (o *Orchestrator) getBot(ctx context.Context, botID string) (*database.Bot, error) {
	return database.ReadWithRetry(ctx, o.cfg.ReadRetries, o.cfg.OperationTimeout,
		func(ctx context.Context) (*database.Bot, error) { return o.store.GetBot(ctx, botID) })
}

// stopLocked stops h and deregisters it. The caller holds the bot's key lock.
func (o *Orchestrator) stopLocked(ctx context.Context, h *handle, persist bool) error {
	o.shutdownHandle(ctx, h)
	o.release(h)

	if persist {
		if err := o.store.UpdateBotStatus(ctx, h.botID, database.BotStatusStopped); err != nil {
			o.log.ErrorContext(ctx, "Failed to persist stopped status", "bot_id", h.botID, "error", err)
			return err
		}
	}
	o.log.InfoContext(ctx, "Bot stopped", "bot_id", h.botID, "uptime", time.Since(h.startedAt).Round(time.Second))
	return nil
}

// shutdownHandle cancels the worker, waits for it within the grace period and
// releases the transport.
func (o *Orchestrator) shutdownHandle(ctx context.Context, h *handle) {
	if h.cancel == nil {
		return
	}
	h.cancel()

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopGracePeriod)
	defer cancel()

	select {
	case <-h.done:
	case <-graceCtx.Done():
		o.log.WarnContext(ctx, "Worker did not finish within the grace period, releasing transport", "bot_id", h.botID)
	}

	if err := h.conn.Close(graceCtx); err != nil {
		o.log.WarnContext(ctx, "Transport did not close cleanly", "bot_id", h.botID, "error", err)
	}
}

func (o *Orchestrator) runWorker(ctx context.Context, h *handle, w *worker.Worker) {
	err := w.Run(ctx)
	close(h.done)
	if err == nil {
		return
	}

	// The loop ended on its own, so the transport is gone. Drop the handle
	// unless a concurrent stop already did.
	o.log.ErrorContext(ctx, "Worker exited unexpectedly", "bot_id", h.botID, "error", err)
	unlock := o.locks.Lock(h.botID)
	defer unlock()
	if o.lookup(h.botID) != h {
		return
	}
	if stopErr := o.stopLocked(context.Background(), h, true); stopErr != nil {
		o.log.ErrorContext(ctx, "Failed to clean up after worker exit", "bot_id", h.botID, "error", stopErr)
	}
}
