package tokibot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// runTestBot starts bot.Run in a goroutine, waits for it to be ready,
// and returns a channel receiving Run's result.
func runTestBot(t *testing.T, ctx context.Context, bot *Bot) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err := <-errCh:
		t.Fatalf("bot stopped before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
	return errCh
}

func waitForRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	return nil
}

func TestNew_MissingConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Sanctions = nil
	cfg.API = nil
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing sanctions config")
	assert.Contains(t, err.Error(), "missing api config")
}

func TestBot_RunAndStop(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.DataDir = filepath.Join(bot.config.DataDir, "nested")

	errCh := runTestBot(t, context.Background(), bot)

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Len(t, session.commands, len(appCommands()))
	assert.Equal(t, 7, session.handlers)
	session.mu.Unlock()

	info, err := os.Stat(bot.config.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	bot.Stop()
	require.NoError(t, waitForRun(t, errCh))

	select {
	case <-bot.eventShutdown:
	default:
		t.Fatal("expected shutdown event")
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	assert.True(t, session.closed)
	assert.Equal(t, 0, session.handlers)
}

func TestBot_RunContextCanceled(t *testing.T) {
	bot, session := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runTestBot(t, ctx, bot)

	cancel()
	require.NoError(t, waitForRun(t, errCh))
	session.mu.Lock()
	defer session.mu.Unlock()
	assert.True(t, session.closed)
}

func TestBot_RunStartupFailures(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(bot *Bot, session *mockDiscordSession)
	}{
		{
			name: "invalid config",
			modify: func(bot *Bot, _ *mockDiscordSession) {
				bot.config.Confessions.RateLimitMax = 0
			},
		},
		{
			name: "gateway unavailable",
			modify: func(_ *Bot, session *mockDiscordSession) {
				session.setErr("Open", errors.New("gateway unavailable"))
			},
		},
		{
			name: "command registration",
			modify: func(_ *Bot, session *mockDiscordSession) {
				session.setErr("ApplicationCommandBulkOverwrite", errors.New("unauthorized"))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, session := newTestBot(t)
				tc.modify(bot, session)
				err := bot.Run(context.Background())
				assert.Error(t, err)
			},
		)
	}
}

func TestBot_RunReconciles(t *testing.T) {
	bot, _ := newReconcileFixture(t)
	bot.config.Reconcile = &ReconcileConfig{
		Enabled:           true,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Concurrency:       2,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runTestBot(t, ctx, bot)

	bot.discord.handlerReady()(
		nil,
		&discordgo.Ready{Guilds: []*discordgo.Guild{{ID: testGuildID}}},
	)
	require.Eventually(
		t,
		func() bool {
			pending, _ := bot.board.Unlocated()
			return len(pending) == 1
		},
		5*time.Second,
		10*time.Millisecond,
	)

	cancel()
	require.NoError(t, waitForRun(t, errCh))
}

func TestBot_RunSweeps(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Sanctions.SweepInterval = time.Second
	bot.discord.addGuild(testGuildID)

	bot.ledger.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	d := time.Hour
	_, err := bot.ledger.Issue("1001", &d, "spam", "2001")
	require.NoError(t, err)
	bot.ledger.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runTestBot(t, ctx, bot)

	require.Eventually(
		t,
		func() bool {
			_, ok := bot.ledger.Get("1001")
			return !ok
		},
		5*time.Second,
		50*time.Millisecond,
	)
	cancel()
	require.NoError(t, waitForRun(t, errCh))

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, []string{testGuildID + "/1001"}, session.unbans)
}

func TestBot_HandleRecover(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := WithLogger(context.Background(), testLogger(t))
	for _, rc := range []any{errors.New("boom"), "boom", 42} {
		assert.NotPanics(t, func() { bot.handleRecover(ctx, rc) })
	}
}

func TestRuntimeGroup(t *testing.T) {
	g := &runtimeGroup{}
	ran := make(chan struct{}, 1)
	require.True(t, g.Go(func() { ran <- struct{}{} }))
	g.Close()
	assert.False(t, g.Go(func() { t.Error("started after close") }))
	g.Wait()
	select {
	case <-ran:
	default:
		t.Fatal("expected goroutine started before close to finish")
	}
}

func TestRuntimeGroup_ConcurrentClose(t *testing.T) {
	g := &runtimeGroup{}
	var started atomic.Int64
	var finished atomic.Int64

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if g.Go(func() { finished.Add(1) }) {
				started.Add(1)
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	g.Close()
	g.Wait()
	close(stop)
	<-done

	assert.Equal(t, started.Load(), finished.Load())
	assert.False(t, g.Go(func() {}))
}
