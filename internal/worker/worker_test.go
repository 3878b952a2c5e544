package worker_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/botfleet/internal/apperr"
	"github.com/edgard/botfleet/internal/database"
	"github.com/edgard/botfleet/internal/logger"
	"github.com/edgard/botfleet/internal/pipeline"
	"github.com/edgard/botfleet/internal/telegram"
	"github.com/edgard/botfleet/internal/telegram/telegramtest"
	"github.com/edgard/botfleet/internal/worker"
)

const (
	textOnly     = "text only please"
	generalError = "something went wrong"
)

type replierFunc func(ctx context.Context, text string, history []database.Message) (string, error)

func (f replierFunc) Reply(ctx context.Context, text string, history []database.Message) (string, error) {
	return f(ctx, text, history)
}

// countingStore records message writes on top of a real store.
type countingStore struct {
	database.Store
	saves atomic.Int32
}

func (s *countingStore) SaveMessage(ctx context.Context, m *database.Message) error {
	s.saves.Add(1)
	return s.Store.SaveMessage(ctx, m)
}

func newStore(t *testing.T) *countingStore {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "worker_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db) })

	store := database.NewStore(db, logger.Discard())
	require.NoError(t, store.CreateBot(context.Background(), &database.Bot{
		ID: "b1", Token: "t1", Config: database.BotConfig{Name: "b1"},
	}))
	return &countingStore{Store: store}
}

func workerConfig() worker.Config {
	return worker.Config{
		HistoryLimit:        50,
		OperationTimeout:    time.Second,
		ReadRetries:         2,
		ReplyTimeout:        time.Second,
		TextOnlyMessage:     textOnly,
		GeneralErrorMessage: generalError,
	}
}

// startWorker runs w until the test ends and returns a function that stops
// it and reports Run's result.
func startWorker(t *testing.T, w *worker.Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				result = errors.New("worker did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitForSent(t *testing.T, conn *telegramtest.Conn, n int) []telegramtest.Sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.Sent()) >= n }, 5*time.Second, 10*time.Millisecond)
	return conn.Sent()
}

func TestConversationIsPersistedInOrder(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	echo, err := pipeline.New(database.BotConfig{Name: "b1"}, nil, pipeline.Options{EchoPrefix: "Echo: "})
	require.NoError(t, err)

	stop := startWorker(t, worker.New("b1", conn, store, echo, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{UpdateID: 1, ChatID: "100", ChatName: "Alice", Text: "M1"})
	conn.Push(telegram.Event{UpdateID: 2, ChatID: "100", ChatName: "Alice", Text: "M2"})

	sent := waitForSent(t, conn, 2)
	require.NoError(t, stop())
	assert.Equal(t, []telegramtest.Sent{{ChatID: "100", Text: "Echo: M1"}, {ChatID: "100", Text: "Echo: M2"}}, sent)

	history, err := store.GetChatHistory(context.Background(), "b1", "100", 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	want := []struct {
		text    string
		fromBot bool
	}{{"M1", false}, {"Echo: M1", true}, {"M2", false}, {"Echo: M2", true}}
	for i, w := range want {
		assert.Equal(t, w.text, history[i].Text)
		assert.Equal(t, w.fromBot, history[i].IsFromBot)
	}

	chats, err := store.ListChats(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "Alice", chats[0].Name)
}

func TestHistoryPassedToReplierExcludesCurrentMessage(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()

	var mu sync.Mutex
	var seen [][]string
	replier := replierFunc(func(_ context.Context, text string, history []database.Message) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		texts := []string{}
		for _, m := range history {
			texts = append(texts, m.Text)
		}
		seen = append(seen, texts)
		return "re: " + text, nil
	})

	startWorker(t, worker.New("b1", conn, store, replier, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{ChatID: "100", Text: "first"})
	conn.Push(telegram.Event{ChatID: "100", Text: "second"})
	waitForSent(t, conn, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{}, {"first", "re: first"}}, seen)
}

func TestNonTextEventSendsNoticeWithoutWrites(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	var replies atomic.Int32
	replier := replierFunc(func(context.Context, string, []database.Message) (string, error) {
		replies.Add(1)
		return "never", nil
	})

	startWorker(t, worker.New("b1", conn, store, replier, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{ChatID: "100", ChatName: "Alice"})

	sent := waitForSent(t, conn, 1)
	assert.Equal(t, []telegramtest.Sent{{ChatID: "100", Text: textOnly}}, sent)
	assert.Zero(t, store.saves.Load())
	assert.Zero(t, replies.Load())
}

func TestReplyFailureSendsApologyAndLoopContinues(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	var calls atomic.Int32
	replier := replierFunc(func(_ context.Context, text string, _ []database.Message) (string, error) {
		if calls.Add(1) == 1 {
			return "", apperr.New(apperr.ErrContractViolation, "backend ignored the reply shape", nil)
		}
		return "ok: " + text, nil
	})

	startWorker(t, worker.New("b1", conn, store, replier, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{ChatID: "100", Text: "one"})
	conn.Push(telegram.Event{ChatID: "100", Text: "two"})

	sent := waitForSent(t, conn, 2)
	assert.Equal(t, generalError, sent[0].Text)
	assert.Equal(t, "ok: two", sent[1].Text)
}

func TestPanicInReplierIsRecovered(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	var calls atomic.Int32
	replier := replierFunc(func(_ context.Context, text string, _ []database.Message) (string, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return text, nil
	})

	startWorker(t, worker.New("b1", conn, store, replier, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{ChatID: "100", Text: "one"})
	conn.Push(telegram.Event{ChatID: "100", Text: "two"})

	sent := waitForSent(t, conn, 2)
	assert.Equal(t, []telegramtest.Sent{{ChatID: "100", Text: generalError}, {ChatID: "100", Text: "two"}}, sent)
}

func TestSendFailureDropsEventWithoutApology(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	conn.FailSends(errors.New("network down"))
	replier := replierFunc(func(_ context.Context, text string, _ []database.Message) (string, error) {
		return text, nil
	})

	startWorker(t, worker.New("b1", conn, store, replier, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{ChatID: "100", Text: "one"})

	require.Eventually(t, func() bool { return conn.SendAttempts() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, conn.SendAttempts())
}

func TestEventsWithoutChatAndCommandsAreSkipped(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	replier := replierFunc(func(_ context.Context, text string, _ []database.Message) (string, error) {
		return text, nil
	})

	startWorker(t, worker.New("b1", conn, store, replier, workerConfig(), logger.Discard()))
	conn.Push(telegram.Event{UpdateID: 1, Text: "no chat"})
	conn.Push(telegram.Event{UpdateID: 2, ChatID: "100", Text: "/start", IsCommand: true})
	conn.Push(telegram.Event{UpdateID: 3, ChatID: "100", Text: "real"})

	sent := waitForSent(t, conn, 1)
	assert.Equal(t, []telegramtest.Sent{{ChatID: "100", Text: "real"}}, sent)
	assert.Equal(t, int32(2), store.saves.Load())
}

func TestRunEndsWhenStreamCloses(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	w := worker.New("b1", conn, store, replierFunc(func(context.Context, string, []database.Message) (string, error) {
		return "", nil
	}), workerConfig(), logger.Discard())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.NoError(t, conn.Close(context.Background()))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperr.ErrTransport)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after stream closed")
	}
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	conn := telegramtest.NewConn()
	stop := startWorker(t, worker.New("b1", conn, store, replierFunc(func(context.Context, string, []database.Message) (string, error) {
		return "", nil
	}), workerConfig(), logger.Discard()))

	assert.NoError(t, stop())
}
