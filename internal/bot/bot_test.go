package bot_test

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/botfleet/internal/bot"
	"github.com/edgard/botfleet/internal/bot/tasks"
	"github.com/edgard/botfleet/internal/config"
	"github.com/edgard/botfleet/internal/logger"
)

type fakeFleet struct {
	shutdowns atomic.Int32
}

func (f *fakeFleet) Shutdown(context.Context) { f.shutdowns.Add(1) }

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	fleet := &fakeFleet{}
	app := bot.NewBot(logger.Discard(), "", handler, fleet, nil).WithListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusTeapot
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, int32(1), fleet.shutdowns.Load())
}

func TestRunFailsWhenAddressIsTaken(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { busy.Close() })

	fleet := &fakeFleet{}
	app := bot.NewBot(logger.Discard(), busy.Addr().String(), http.NotFoundHandler(), fleet, nil)

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), fleet.shutdowns.Load())
}

func TestSchedulerRunsEnabledTasks(t *testing.T) {
	t.Parallel()
	var runs atomic.Int32
	taskMap := map[string]tasks.ScheduledTaskFunc{
		"tick":  func(context.Context) error { runs.Add(1); return nil },
		"never": func(context.Context) error { t.Error("disabled task ran"); return nil },
	}
	cfg := &config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"tick":    {Enabled: true, Schedule: "* * * * * *"},
		"never":   {Enabled: false, Schedule: "* * * * * *"},
		"missing": {Enabled: true, Schedule: "* * * * * *"},
		"broken":  {Enabled: true, Schedule: "not a cron spec"},
	}}
	taskMap["broken"] = func(context.Context) error { return nil }

	s, err := bot.NewScheduler(logger.Discard(), cfg, taskMap)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.Equal(t, []string{"tick"}, s.Jobs())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
