package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/logger"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "botfleet_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })
	return database.NewStore(db, logger.Discard())
}

func createBot(t *testing.T, store database.Store, id, token string) *database.Bot {
	t.Helper()
	bot := &database.Bot{
		ID:     id,
		Token:  token,
		Handle: "@" + id,
		Config: database.BotConfig{Name: id, Mode: database.ModeEcho},
	}
	require.NoError(t, store.CreateBot(context.Background(), bot))
	return bot
}

func TestNewStoreWithoutLogger(t *testing.T) {
	t.Parallel()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "quiet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, nil)
	createBot(t, store, "b1", "token-1")
	_, err = store.GetBot(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateAndGetBotRoundTripsConfiguration(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := database.BotConfig{
		Name:           "Shop helper",
		Mode:           database.ModeDispatch,
		PromptTemplate: "History:\n{{.ChatHistory}}",
		ProductCatalog: "Red shoes, blue hats",
		Extra:          map[string]any{"tone": "friendly"},
	}
	require.NoError(t, store.CreateBot(ctx, &database.Bot{ID: "b1", Token: "t1", Handle: "@shop", Config: cfg}))

	got, err := store.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got.Config)
	assert.Equal(t, database.BotStatusStopped, got.Status)
	assert.Equal(t, "@shop", got.Handle)
	assert.Equal(t, "t1", got.Token)
}

func TestCreateBotDuplicates(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "token-1")

	tests := []struct {
		name string
		bot  *database.Bot
	}{
		{name: "same token", bot: &database.Bot{ID: "b2", Token: "token-1"}},
		{name: "same id", bot: &database.Bot{ID: "b1", Token: "token-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.CreateBot(ctx, tt.bot)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrDuplicate)
		})
	}

	bots, err := store.ListBots(ctx)
	require.NoError(t, err)
	assert.Len(t, bots, 1)
}

func TestMissingBotIsNotFound(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetBot(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, store.UpdateBotConfig(ctx, "nope", database.BotConfig{Name: "x"}), apperr.ErrNotFound)
	assert.ErrorIs(t, store.UpdateBotStatus(ctx, "nope", database.BotStatusRunning), apperr.ErrNotFound)
	assert.ErrorIs(t, store.DeleteBot(ctx, "nope"), apperr.ErrNotFound)
}

func TestEnsureChatIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")

	require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: "b1", Name: "Alice"}))
	require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: "b1", Name: "Renamed"}))

	chats, err := store.ListChats(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "Alice", chats[0].Name)
}

func TestSameChatIDUnderTwoBotsIsTwoChats(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")
	createBot(t, store, "b2", "t2")

	require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: "b1"}))
	require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: "b2"}))
	require.NoError(t, store.SaveMessage(ctx, &database.Message{ChatID: "100", BotID: "b1", Text: "for b1"}))

	h1, err := store.GetChatHistory(ctx, "b1", "100", 0)
	require.NoError(t, err)
	h2, err := store.GetChatHistory(ctx, "b2", "100", 0)
	require.NoError(t, err)
	assert.Len(t, h1, 1)
	assert.Empty(t, h2)
}

func TestSaveMessageRequiresChat(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	createBot(t, store, "b1", "t1")

	err := store.SaveMessage(context.Background(), &database.Message{ChatID: "404", BotID: "b1", Text: "orphan"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrStore)
}

func TestGetChatHistoryOrderAndWindow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")
	require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: "b1"}))

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	texts := []string{"one", "two", "three", "four"}
	for i, text := range texts {
		msg := &database.Message{
			ChatID:    "100",
			BotID:     "b1",
			Text:      text,
			IsFromBot: i%2 == 1,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
	}
	// Same timestamp as "four"; the sequence id keeps it last.
	require.NoError(t, store.SaveMessage(ctx, &database.Message{
		ChatID: "100", BotID: "b1", Text: "five", Timestamp: base.Add(3 * time.Second),
	}))

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "whole history", limit: 0, want: []string{"one", "two", "three", "four", "five"}},
		{name: "window", limit: 2, want: []string{"four", "five"}},
		{name: "window larger than history", limit: 50, want: []string{"one", "two", "three", "four", "five"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history, err := store.GetChatHistory(ctx, "b1", "100", tt.limit)
			require.NoError(t, err)
			got := make([]string, 0, len(history))
			for _, m := range history {
				got = append(got, m.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	history, err := store.GetChatHistory(ctx, "b1", "100", 0)
	require.NoError(t, err)
	assert.False(t, history[0].IsFromBot)
	assert.True(t, history[1].IsFromBot)
}

func TestDeleteBotCascades(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")
	createBot(t, store, "b2", "t2")
	for _, botID := range []string{"b1", "b2"} {
		require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: botID}))
		require.NoError(t, store.SaveMessage(ctx, &database.Message{ChatID: "100", BotID: botID, Text: "hi"}))
	}

	require.NoError(t, store.DeleteBot(ctx, "b1"))

	_, err := store.GetBot(ctx, "b1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	chats, err := store.ListChats(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, chats)
	history, err := store.GetChatHistory(ctx, "b1", "100", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	history, err = store.GetChatHistory(ctx, "b2", "100", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestClearChatHistory(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")
	require.NoError(t, store.EnsureChat(ctx, &database.Chat{ChatID: "100", BotID: "b1"}))
	require.NoError(t, store.SaveMessage(ctx, &database.Message{ChatID: "100", BotID: "b1", Text: "hi"}))

	require.NoError(t, store.ClearChatHistory(ctx, "b1", "100"))

	history, err := store.GetChatHistory(ctx, "b1", "100", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.ErrorIs(t, store.ClearChatHistory(ctx, "b1", "100"), apperr.ErrNotFound)
}

func TestStatusUpdatesAndReset(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")
	createBot(t, store, "b2", "t2")

	require.NoError(t, store.UpdateBotStatus(ctx, "b1", database.BotStatusRunning))
	got, err := store.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, database.BotStatusRunning, got.Status)

	changed, err := store.ResetBotStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	got, err = store.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, database.BotStatusStopped, got.Status)
}

func TestUpdateBotConfig(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	createBot(t, store, "b1", "t1")

	cfg := database.BotConfig{Name: "new", PromptTemplate: "{{.ChatHistory}}"}
	require.NoError(t, store.UpdateBotConfig(ctx, "b1", cfg))

	got, err := store.GetBot(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got.Config)
	assert.Equal(t, database.ModeDispatch, got.Config.EffectiveMode())
}

func TestRunSQLMaintenance(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	require.NoError(t, store.RunSQLMaintenance(context.Background()))
}

func TestReadWithRetry(t *testing.T) {
	t.Parallel()
	transient := errors.New("database is locked")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		got, err := database.ReadWithRetry(context.Background(), 3, time.Second, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, transient
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := database.ReadWithRetry(context.Background(), 2, time.Second, func(context.Context) (int, error) {
			calls++
			return 0, transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 2, calls)
	})

	t.Run("not found is not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := database.ReadWithRetry(context.Background(), 5, time.Second, func(context.Context) (int, error) {
			calls++
			return 0, apperr.New(apperr.ErrNotFound, "gone", nil)
		})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.Equal(t, 1, calls)
	})

	t.Run("each attempt gets its own deadline", func(t *testing.T) {
		t.Parallel()
		_, err := database.ReadWithRetry(context.Background(), 1, 10*time.Millisecond, func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestModelsConfigEffectiveMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  database.BotConfig
		want string
	}{
		{name: "explicit echo", cfg: database.BotConfig{Mode: database.ModeEcho, PromptTemplate: "x"}, want: database.ModeEcho},
		{name: "template implies dispatch", cfg: database.BotConfig{PromptTemplate: "x"}, want: database.ModeDispatch},
		{name: "nothing implies echo", cfg: database.BotConfig{}, want: database.ModeEcho},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cfg.EffectiveMode())
		})
	}
}

func TestExtractDBNameFromPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "data/bots.db", database.ExtractDBNameFromPath("file:data/bots.db?_pragma=foreign_keys(1)"))
	assert.Equal(t, "bots.db", database.ExtractDBNameFromPath("bots.db"))
	assert.Equal(t, "bots.db?cache=shared", database.BuildDSN("bots.db?cache=shared"))
}
