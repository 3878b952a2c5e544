package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/logger"
)

// Store defines the persistence contract for bots, chats and message history.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// CreateBot inserts a new bot. A duplicate id or token yields apperr.ErrDuplicate.
	CreateBot(ctx context.Context, bot *Bot) error
	// GetBot returns the bot or apperr.ErrNotFound.
	GetBot(ctx context.Context, botID string) (*Bot, error)
	// ListBots returns all bots ordered by creation time.
	ListBots(ctx context.Context) ([]Bot, error)
	// UpdateBotConfig replaces a bot's configuration document.
	UpdateBotConfig(ctx context.Context, botID string, cfg BotConfig) error
	// UpdateBotStatus sets the persisted status mirror.
	UpdateBotStatus(ctx context.Context, botID string, status BotStatus) error
	// ResetBotStatuses marks every bot stopped and returns how many changed.
	ResetBotStatuses(ctx context.Context) (int64, error)
	// DeleteBot removes a bot with its chats and messages in one transaction.
	DeleteBot(ctx context.Context, botID string) error

	// EnsureChat creates the chat if absent. An existing chat is success.
	EnsureChat(ctx context.Context, chat *Chat) error
	// ListChats returns the chats of one bot.
	ListChats(ctx context.Context, botID string) ([]Chat, error)

	// SaveMessage appends a message. The chat must already exist.
	SaveMessage(ctx context.Context, message *Message) error
	// GetChatHistory returns the newest limit messages of a chat in
	// chronological order. limit <= 0 returns the whole history.
	GetChatHistory(ctx context.Context, botID, chatID string, limit int) ([]Message, error)
	// ClearChatHistory deletes a chat and its messages.
	ClearChatHistory(ctx context.Context, botID, chatID string) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
func NewStore(db *sqlx.DB, log *slog.Logger) Store {
	if log == nil {
		log = logger.Discard()
	}
	return &sqlxStore{
		db:     db,
		logger: log.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.New(apperr.ErrStore, "database ping failed", err)
	}
	return nil
}

func (s *sqlxStore) CreateBot(ctx context.Context, bot *Bot) error {
	if bot == nil {
		return apperr.New(apperr.ErrValidation, "cannot save nil bot", nil)
	}
	if bot.ID == "" || bot.Token == "" {
		return apperr.New(apperr.ErrValidation, "bot must have an id and a token", nil)
	}

	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	if bot.Status == "" {
		bot.Status = BotStatusStopped
	}

	query := `
        INSERT INTO bots (bot_id, token, handle, config, status, created_at, updated_at)
        VALUES (:bot_id, :token, :handle, :config, :status, :created_at, :updated_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, bot); err != nil {
		if isConstraintViolation(err) {
			s.logger.WarnContext(ctx, "Duplicate bot rejected", "bot_id", bot.ID, "handle", bot.Handle)
			return apperr.New(apperr.ErrDuplicate, "a bot with this id or token already exists", err)
		}
		s.logger.ErrorContext(ctx, "Error saving bot", "bot_id", bot.ID, "error", err)
		return apperr.New(apperr.ErrStore, fmt.Sprintf("failed to save bot %s", bot.ID), err)
	}

	s.logger.DebugContext(ctx, "Bot saved successfully", "bot_id", bot.ID)
	return nil
}

func (s *sqlxStore) GetBot(ctx context.Context, botID string) (*Bot, error) {
	var bot Bot
	query := `SELECT bot_id, token, handle, config, status, created_at, updated_at FROM bots WHERE bot_id = ?`

	err := s.db.GetContext(ctx, &bot, query, botID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, apperr.Errorf(apperr.ErrNotFound, "bot %s not found", botID)
	case err != nil:
		s.logger.ErrorContext(ctx, "Error getting bot", "bot_id", botID, "error", err)
		return nil, apperr.New(apperr.ErrStore, fmt.Sprintf("failed to get bot %s", botID), err)
	}
	return &bot, nil
}

func (s *sqlxStore) ListBots(ctx context.Context) ([]Bot, error) {
	bots := []Bot{}
	query := `SELECT bot_id, token, handle, config, status, created_at, updated_at FROM bots ORDER BY created_at, bot_id`

	if err := s.db.SelectContext(ctx, &bots, query); err != nil {
		s.logger.ErrorContext(ctx, "Error listing bots", "error", err)
		return nil, apperr.New(apperr.ErrStore, "failed to list bots", err)
	}
	return bots, nil
}

func (s *sqlxStore) UpdateBotConfig(ctx context.Context, botID string, cfg BotConfig) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET config = ?, updated_at = ? WHERE bot_id = ?`,
		cfg, time.Now().UTC(), botID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating bot configuration", "bot_id", botID, "error", err)
		return apperr.New(apperr.ErrStore, fmt.Sprintf("failed to update configuration of bot %s", botID), err)
	}
	return requireAffected(result, botID)
}

func (s *sqlxStore) UpdateBotStatus(ctx context.Context, botID string, status BotStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE bot_id = ?`,
		status, time.Now().UTC(), botID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error updating bot status", "bot_id", botID, "status", status, "error", err)
		return apperr.New(apperr.ErrStore, fmt.Sprintf("failed to update status of bot %s", botID), err)
	}
	return requireAffected(result, botID)
}

func (s *sqlxStore) ResetBotStatuses(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bots SET status = ?, updated_at = ? WHERE status <> ?`,
		BotStatusStopped, time.Now().UTC(), BotStatusStopped)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error resetting bot statuses", "error", err)
		return 0, apperr.New(apperr.ErrStore, "failed to reset bot statuses", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

func (s *sqlxStore) DeleteBot(ctx context.Context, botID string) error {
	var removed int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE bot_id = ?`, botID); err != nil {
			return fmt.Errorf("failed to delete chats: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE bot_id = ?`, botID)
		if err != nil {
			return fmt.Errorf("failed to delete bot: %w", err)
		}
		removed, _ = result.RowsAffected()
		if removed == 0 {
			return apperr.Errorf(apperr.ErrNotFound, "bot %s not found", botID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		s.logger.ErrorContext(ctx, "Error deleting bot", "bot_id", botID, "error", err)
		return apperr.New(apperr.ErrStore, fmt.Sprintf("failed to delete bot %s", botID), err)
	}

	s.logger.InfoContext(ctx, "Bot deleted with its chats and messages", "bot_id", botID)
	return nil
}

func (s *sqlxStore) EnsureChat(ctx context.Context, chat *Chat) error {
	if chat == nil || chat.ChatID == "" || chat.BotID == "" {
		return apperr.New(apperr.ErrValidation, "chat must have a chat_id and a bot_id", nil)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO chats (chat_id, bot_id, chat_name, created_at)
        VALUES (:chat_id, :bot_id, :chat_name, :created_at)
        ON CONFLICT (chat_id, bot_id) DO NOTHING;
    `
	if _, err := s.db.NamedExecContext(ctx, query, chat); err != nil {
		// A concurrent insert of the same pair still means the chat exists.
		if isConstraintViolation(err) {
			return nil
		}
		s.logger.ErrorContext(ctx, "Error ensuring chat", "bot_id", chat.BotID, "chat_id", chat.ChatID, "error", err)
		return apperr.New(apperr.ErrStore, fmt.Sprintf("failed to ensure chat %s", chat.ChatID), err)
	}
	return nil
}

func (s *sqlxStore) ListChats(ctx context.Context, botID string) ([]Chat, error) {
	chats := []Chat{}
	query := `SELECT chat_id, bot_id, chat_name, created_at FROM chats WHERE bot_id = ? ORDER BY created_at, chat_id`

	if err := s.db.SelectContext(ctx, &chats, query, botID); err != nil {
		s.logger.ErrorContext(ctx, "Error listing chats", "bot_id", botID, "error", err)
		return nil, apperr.New(apperr.ErrStore, fmt.Sprintf("failed to list chats of bot %s", botID), err)
	}
	return chats, nil
}

func (s *sqlxStore) SaveMessage(ctx context.Context, message *Message) error {
	if message == nil {
		return apperr.New(apperr.ErrValidation, "cannot save nil message", nil)
	}
	if message.ChatID == "" || message.BotID == "" {
		return apperr.New(apperr.ErrValidation, "message must have a chat_id and a bot_id", nil)
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	query := `
        INSERT INTO messages (chat_id, bot_id, message_text, is_from_bot, timestamp)
        VALUES (:chat_id, :bot_id, :message_text, :is_from_bot, :timestamp);
    `
	result, err := s.db.NamedExecContext(ctx, query, message)
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving message",
			"bot_id", message.BotID, "chat_id", message.ChatID, "error", err)
		return apperr.New(apperr.ErrStore,
			fmt.Sprintf("failed to save message (bot %s, chat %s)", message.BotID, message.ChatID), err)
	}

	if id, err := result.LastInsertId(); err == nil {
		message.ID = id
	} else {
		s.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving message",
			"bot_id", message.BotID, "chat_id", message.ChatID, "error", err)
	}

	s.logger.DebugContext(ctx, "Message saved successfully",
		"bot_id", message.BotID, "chat_id", message.ChatID, "message_id", message.ID)
	return nil
}

func (s *sqlxStore) GetChatHistory(ctx context.Context, botID, chatID string, limit int) ([]Message, error) {
	messages := []Message{}

	var err error
	if limit > 0 {
		query := `
            SELECT message_id, chat_id, bot_id, message_text, is_from_bot, timestamp FROM (
                SELECT message_id, chat_id, bot_id, message_text, is_from_bot, timestamp
                FROM messages
                WHERE bot_id = ? AND chat_id = ?
                ORDER BY timestamp DESC, message_id DESC
                LIMIT ?
            ) ORDER BY timestamp ASC, message_id ASC;
        `
		err = s.db.SelectContext(ctx, &messages, query, botID, chatID, limit)
	} else {
		query := `
            SELECT message_id, chat_id, bot_id, message_text, is_from_bot, timestamp
            FROM messages
            WHERE bot_id = ? AND chat_id = ?
            ORDER BY timestamp ASC, message_id ASC;
        `
		err = s.db.SelectContext(ctx, &messages, query, botID, chatID)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error getting chat history", "bot_id", botID, "chat_id", chatID, "error", err)
		return nil, apperr.New(apperr.ErrStore,
			fmt.Sprintf("failed to get history (bot %s, chat %s)", botID, chatID), err)
	}

	s.logger.DebugContext(ctx, "Fetched chat history", "bot_id", botID, "chat_id", chatID, "count", len(messages))
	return messages, nil
}

func (s *sqlxStore) ClearChatHistory(ctx context.Context, botID, chatID string) error {
	var messagesCount int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE bot_id = ? AND chat_id = ?`, botID, chatID)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		messagesCount, _ = result.RowsAffected()

		result, err = tx.ExecContext(ctx, `DELETE FROM chats WHERE bot_id = ? AND chat_id = ?`, botID, chatID)
		if err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 && messagesCount == 0 {
			return apperr.Errorf(apperr.ErrNotFound, "chat %s of bot %s not found", chatID, botID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		s.logger.ErrorContext(ctx, "Error clearing chat history", "bot_id", botID, "chat_id", chatID, "error", err)
		return apperr.New(apperr.ErrStore, fmt.Sprintf("failed to clear history of chat %s", chatID), err)
	}

	s.logger.InfoContext(ctx, "Chat history cleared",
		"bot_id", botID, "chat_id", chatID, "messages_deleted", messagesCount)
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	// VACUUM must run outside a transaction in SQLite.
	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)
	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return apperr.New(apperr.ErrStore, "failed to execute VACUUM", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *sqlxStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, botID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apperr.New(apperr.ErrStore, "could not read affected row count", err)
	}
	if n == 0 {
		return apperr.Errorf(apperr.ErrNotFound, "bot %s not found", botID)
	}
	return nil
}

func sqliteCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isConstraintViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
