// Package logger provides structured logging for botfleet on top of slog,
// plus a go-telegram/bot middleware that traces every update a worker sees.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// NewLogger creates a slog Logger writing to stdout at the given level.
// If jsonOutput is true records are JSON encoded, otherwise text.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	return newLogger(os.Stdout, levelStr, jsonOutput)
}

func newLogger(w io.Writer, levelStr string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(levelStr)}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used as the fallback when
// a component is constructed without one.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Middleware logs each update received by the bot identified by botID.
func Middleware(log *slog.Logger, botID string) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			startTime := time.Now()

			entry := log.With("bot_id", botID, "update_id", update.ID)
			if msg := update.Message; msg != nil {
				entry = entry.With(
					"update_type", "message",
					"message_id", msg.ID,
					"chat_id", msg.Chat.ID,
					"text_preview", truncateString(msg.Text, 50),
				)
			} else {
				entry = entry.With("update_type", "other")
			}

			entry.DebugContext(ctx, "Received update")
			next(ctx, b, update)
			entry.DebugContext(ctx, "Dispatched update", "duration", time.Since(startTime))
		}
	}
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
