// Package telegram is the chat transport: it connects one bot credential to
// the Telegram Bot API over long polling and exposes inbound messages as a
// channel of events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/config"
	"github.com/edgard/botfleet/internal/logger"
)

// Event is one inbound update reduced to what a worker needs. ChatID is
// empty when the update has no addressable chat.
type Event struct {
	UpdateID  int64
	ChatID    string
	ChatName  string
	Text      string
	IsCommand bool
}

// Conn is a live connection for one bot.
type Conn interface {
	// Events delivers inbound events until the connection ends, then closes.
	Events() <-chan Event
	// Send delivers text to a chat. It is attempted once.
	Send(ctx context.Context, chatID, text string) error
	// Close stops polling and waits for it to finish or for ctx to end. It
	// is safe to call more than once.
	Close(ctx context.Context) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, botID, token string) (Conn, error)
}

// BotDialer dials the Telegram Bot API with go-telegram/bot.
type BotDialer struct {
	log         *slog.Logger
	pollTimeout time.Duration
	sendTimeout time.Duration
	serverURL   string
}

// DialerOption customizes a BotDialer.
type DialerOption func(*BotDialer)

// WithServerURL points the dialer at another Bot API server.
func WithServerURL(url string) DialerOption {
	return func(d *BotDialer) { d.serverURL = url }
}

// NewDialer creates a dialer for the given transport settings.
func NewDialer(cfg config.TelegramConfig, log *slog.Logger, opts ...DialerOption) *BotDialer {
	if log == nil {
		log = logger.Discard()
	}
	d := &BotDialer{
		log:         log.With("component", "telegram"),
		pollTimeout: cfg.PollTimeout,
		sendTimeout: cfg.SendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial validates the credential with getMe and starts long polling. The
// connection outlives ctx; only Close ends it.
func (d *BotDialer) Dial(ctx context.Context, botID, token string) (Conn, error) {
	if token == "" {
		return nil, apperr.New(apperr.ErrAuth, "telegram bot token cannot be empty", nil)
	}
	log := d.log.With("bot_id", botID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &botConn{
		events:      make(chan Event),
		done:        make(chan struct{}),
		cancel:      cancel,
		sendTimeout: d.sendTimeout,
		log:         log,
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(c.handle),
		bot.WithNotAsyncHandlers(),
		bot.WithMiddlewares(logger.Middleware(log, botID)),
		bot.WithHTTPClient(d.pollTimeout, &http.Client{Timeout: d.pollTimeout + d.sendTimeout}),
		bot.WithCheckInitTimeout(d.sendTimeout),
		bot.WithErrorsHandler(func(err error) {
			log.Warn("Telegram polling error", "error", err)
		}),
	}
	if d.serverURL != "" {
		opts = append(opts, bot.WithServerURL(d.serverURL))
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		cancel()
		if errors.Is(err, bot.ErrorUnauthorized) || errors.Is(err, bot.ErrorNotFound) {
			log.Error("Telegram rejected bot credential", "error", err)
			return nil, apperr.New(apperr.ErrAuth, "telegram rejected the bot token", err)
		}
		log.Error("Failed to create Telegram bot instance", "error", err)
		return nil, apperr.New(apperr.ErrTransport, "failed to connect to telegram", err)
	}
	c.bot = b

	go func() {
		defer close(c.done)
		// Handlers run synchronously inside Start, so nothing sends on
		// events once it has returned.
		defer close(c.events)
		b.Start(runCtx)
	}()

	log.Info("Telegram connection established")
	return c, nil
}

type botConn struct {
	bot         *bot.Bot
	events      chan Event
	done        chan struct{}
	cancel      context.CancelFunc
	closeOnce   sync.Once
	sendTimeout time.Duration
	log         *slog.Logger
}

func (c *botConn) Events() <-chan Event {
	return c.events
}

func (c *botConn) Send(ctx context.Context, chatID, text string) error {
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}

	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatTarget(chatID),
		Text:   text,
	})
	if err != nil {
		c.log.ErrorContext(ctx, "Failed to send message", "chat_id", chatID, "error", err)
		return apperr.New(apperr.ErrTransport, fmt.Sprintf("failed to send message to chat %s", chatID), err)
	}
	return nil
}

func (c *botConn) Close(ctx context.Context) error {
	// bot.Close would log the token out of Telegram's servers; cancelling
	// the polling context is all that is needed here.
	c.closeOnce.Do(c.cancel)

	select {
	case <-c.done:
		c.log.Debug("Telegram connection closed")
		return nil
	case <-ctx.Done():
		c.log.Warn("Telegram connection did not close within the grace period", "error", ctx.Err())
		return apperr.New(apperr.ErrTransport, "telegram polling did not stop in time", ctx.Err())
	}
}

// handle queues an update for the worker, blocking polling until the worker
// takes it.
func (c *botConn) handle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	select {
	case c.events <- EventFromUpdate(update):
	case <-ctx.Done():
	}
}

// EventFromUpdate extracts an Event from a Telegram update. Updates that are
// not messages produce an Event with an empty ChatID.
func EventFromUpdate(update *models.Update) Event {
	if update == nil {
		return Event{}
	}
	ev := Event{UpdateID: update.ID}
	msg := update.Message
	if msg == nil {
		return ev
	}

	ev.ChatID = strconv.FormatInt(msg.Chat.ID, 10)
	ev.ChatName = ChatName(msg.Chat)
	ev.Text = msg.Text
	ev.IsCommand = strings.HasPrefix(msg.Text, "/")
	return ev
}

// ChatName is the chat title, else the first name, else the chat id.
func ChatName(chat models.Chat) string {
	switch {
	case chat.Title != "":
		return chat.Title
	case chat.FirstName != "":
		return chat.FirstName
	default:
		return strconv.FormatInt(chat.ID, 10)
	}
}

// chatTarget sends numeric ids as integers and anything else, such as an
// @channel username, as is.
func chatTarget(chatID string) any {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return id
	}
	return chatID
}
