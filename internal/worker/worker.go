// Package worker runs the receive loop of one bot: every inbound event is
// registered, answered through the reply pipeline and recorded in history.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/logger"
	"github.com/edgard/botfleet/internal/telegram"
)

// Store is the slice of the data layer a worker writes to.
type Store interface {
	EnsureChat(ctx context.Context, chat *database.Chat) error
	GetChatHistory(ctx context.Context, botID, chatID string, limit int) ([]database.Message, error)
	SaveMessage(ctx context.Context, message *database.Message) error
}

// Replier produces reply text for an inbound message.
type Replier interface {
	Reply(ctx context.Context, text string, history []database.Message) (string, error)
}

// Config holds per-worker limits and canned messages.
type Config struct {
	// HistoryLimit is how many recent messages feed the reply. Zero means all.
	HistoryLimit int
	// OperationTimeout bounds each store call.
	OperationTimeout time.Duration
	// ReadRetries is the number of attempts for history reads.
	ReadRetries int
	// ReplyTimeout bounds the whole pipeline run for one event.
	ReplyTimeout time.Duration

	TextOnlyMessage     string
	GeneralErrorMessage string
}

// Worker owns one bot's connection and reply pipeline.
type Worker struct {
	botID   string
	conn    telegram.Conn
	store   Store
	replier Replier
	cfg     Config
	log     *slog.Logger
}

// New creates a worker for botID.
func New(botID string, conn telegram.Conn, store Store, replier Replier, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	return &Worker{
		botID:   botID,
		conn:    conn,
		store:   store,
		replier: replier,
		cfg:     cfg,
		log:     log.With("component", "worker", "bot_id", botID),
	}
}

// Run processes events one at a time until ctx is cancelled or the
// connection ends. Cancellation is observed between events; an event being
// handled runs to completion. Run returns nil when stopped through ctx.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "Worker receive loop started")
	events := w.conn.Events()

	for {
		if ctx.Err() != nil {
			w.log.InfoContext(ctx, "Worker receive loop stopped")
			return nil
		}

		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "Worker receive loop stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				w.log.WarnContext(ctx, "Transport closed the event stream")
				return apperr.New(apperr.ErrTransport, "event stream closed", nil)
			}
			w.HandleEvent(context.WithoutCancel(ctx), ev)
		}
	}
}

// HandleEvent processes one event. Failures are logged and answered with the
// general error message; a failed send drops the event.
func (w *Worker) HandleEvent(ctx context.Context, ev telegram.Event) {
	log := w.log.With("chat_id", ev.ChatID, "update_id", ev.UpdateID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "Panic while handling event", "panic", r)
			w.apologize(ctx, log, ev.ChatID)
		}
	}()

	if ev.ChatID == "" {
		log.DebugContext(ctx, "Discarding event without a chat")
		return
	}
	if ev.IsCommand {
		log.DebugContext(ctx, "Ignoring command message", "command", ev.Text)
		return
	}

	err := w.process(ctx, log, ev)
	switch {
	case err == nil:
		log.DebugContext(ctx, "Event handled", "duration", time.Since(start))
	case errors.Is(err, apperr.ErrTransport):
		log.ErrorContext(ctx, "Dropping event after send failure", "error", err)
	default:
		log.ErrorContext(ctx, "Failed to handle event", "error", err, "kind", string(apperr.KindOf(err)))
		w.apologize(ctx, log, ev.ChatID)
	}
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, ev telegram.Event) error {
	chat := &database.Chat{ChatID: ev.ChatID, BotID: w.botID, Name: ev.ChatName}
	if err := w.withTimeout(ctx, func(ctx context.Context) error { return w.store.EnsureChat(ctx, chat) }); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}

	history, err := database.ReadWithRetry(ctx, w.cfg.ReadRetries, w.cfg.OperationTimeout,
		func(ctx context.Context) ([]database.Message, error) {
			return w.store.GetChatHistory(ctx, w.botID, ev.ChatID, w.cfg.HistoryLimit)
		})
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	if strings.TrimSpace(ev.Text) == "" {
		log.DebugContext(ctx, "Non-text message, sending text-only notice")
		return w.conn.Send(ctx, ev.ChatID, w.cfg.TextOnlyMessage)
	}

	inbound := &database.Message{ChatID: ev.ChatID, BotID: w.botID, Text: ev.Text}
	if err := w.withTimeout(ctx, func(ctx context.Context) error { return w.store.SaveMessage(ctx, inbound) }); err != nil {
		return fmt.Errorf("save inbound message: %w", err)
	}

	replyCtx := ctx
	if w.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		replyCtx, cancel = context.WithTimeout(ctx, w.cfg.ReplyTimeout)
		defer cancel()
	}
	reply, err := w.replier.Reply(replyCtx, ev.Text, history)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}

	outbound := &database.Message{ChatID: ev.ChatID, BotID: w.botID, Text: reply, IsFromBot: true}
	if err := w.withTimeout(ctx, func(ctx context.Context) error { return w.store.SaveMessage(ctx, outbound) }); err != nil {
		return fmt.Errorf("save reply: %w", err)
	}

	return w.conn.Send(ctx, ev.ChatID, reply)
}

func (w *Worker) withTimeout(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OperationTimeout)
	defer cancel()
	return op(opCtx)
}

func (w *Worker) apologize(ctx context.Context, log *slog.Logger, chatID string) {
	if chatID == "" {
		return
	}
	if err := w.conn.Send(ctx, chatID, w.cfg.GeneralErrorMessage); err != nil {
		log.ErrorContext(ctx, "Failed to send error reply", "error", err)
	}
}
