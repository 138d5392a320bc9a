package tokibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/calbusto/tokibot/tokibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// runtimeGroup tracks the goroutines started while the bot runs. After
// Close, Go refuses new work, so Wait only has a fixed set to wait on.
type runtimeGroup struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Go runs fn on a new goroutine, and reports whether it was started.
func (g *runtimeGroup) Go(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
	return true
}

func (g *runtimeGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

func (g *runtimeGroup) Wait() {
	g.wg.Wait()
}

// Bot wires the persisted ledger and confession board to discord, and
// runs the sanction sweep and the HTTP API alongside the gateway
// connection.
type Bot struct {
	config  *Config
	logger  *slog.Logger
	store   *Store
	journal *Journal
	ledger  *SanctionLedger
	board   *ConfessionBoard
	limiter *RateLimiter
	welcome *Welcome
	discord *Discord
	api     *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord, registered commands and started the sweep
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New builds a Bot from config. Nothing is opened or started until Run.
func New(config *Config) (*Bot, error) {
	var errs []error
	if config.Discord == nil {
		errs = append(errs, errors.New("missing discord config"))
	}
	if config.Sanctions == nil {
		errs = append(errs, errors.New("missing sanctions config"))
	}
	if config.Confessions == nil {
		errs = append(errs, errors.New("missing confessions config"))
	}
	if config.Reconcile == nil {
		errs = append(errs, errors.New("missing reconcile config"))
	}
	if config.API == nil {
		errs = append(errs, errors.New("missing api config"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	logger := newLogger(defaultLogWriter, config.LogLevel, "")
	slog.SetDefault(logger)

	b := &Bot{
		config:        config,
		logger:        logger,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.store = NewStore(newLogger(defaultLogWriter, config.StoreLogLevel, "store"))
	b.journal = NewJournal(
		b.store,
		config.Path(ConfessionActionsFile),
		logger.With(loggerNameKey, "journal"),
	)
	b.limiter = NewRateLimiter(
		b.store,
		config.Path(ConfessionConfigFile),
		logger.With(loggerNameKey, "rate_limiter"),
	)
	b.ledger = NewSanctionLedger(
		b.store,
		config.Path(SanctionsFile),
		b.journal,
		config.Sanctions,
		logger.With(loggerNameKey, "sanctions"),
	)
	b.board = NewConfessionBoard(
		b.store,
		ConfessionBoardPaths{
			Confessions: config.Path(ConfessionsFile),
			Bans:        config.Path(ConfessionBansFile),
			Reports:     config.Path(ConfessionReportsFile),
		},
		b.limiter,
		b.journal,
		config.Confessions,
		logger.With(loggerNameKey, "confessions"),
	)

	b.welcome = NewWelcome(
		b.store,
		config.Path(WelcomeConfigFile),
		config.Discord.WelcomeChannelID,
		logger.With(loggerNameKey, "welcome"),
	)

	b.discord = newDiscord(
		config.Discord,
		newLogger(defaultLogWriter, config.Discord.LogLevel, "discord"),
	)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.API.Enabled {
		b.api = newAPI(b, config.API)
	}
	return b, nil
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the bot's slash commands.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Stop signals a running bot to shut down.
func (b *Bot) Stop() {
	if b.signalStop == nil {
		return
	}
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run connects to discord, registers commands, starts the API and the
// sanction sweep, then blocks until ctx is canceled or Stop is called,
// and shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// everything started by Run which should finish before shutdown
	// completes
	runtime := &runtimeGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx, runtime)
	}()

	select {
	case <-startCtx.Done():
		b.abortStartup(ctx)
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.abortStartup(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	runtime.Go(func() { b.runSweeper(ctx, runtime) })
	if b.config.Reconcile.Enabled {
		runtime.Go(func() { b.reconcileWhenReady(ctx) })
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or Stop
	<-ctx.Done()

	return b.shutdown(ctx, runtime)
}

// abortStartup releases whatever a failed startup already opened.
func (b *Bot) abortStartup(ctx context.Context) {
	if b.api != nil && b.api.listener != nil {
		if err := b.api.listener.Close(); err != nil {
			b.logger.ErrorContext(ctx, "error closing listener", tint.Err(err))
		}
	}
	if b.discord.session != nil {
		_ = b.discord.session.Close()
	}
}

// initRun creates the data directory, then opens the discord session
// and registers the slash commands.
func (b *Bot) initRun(startCtx context.Context, ctx context.Context, runtime *runtimeGroup) error {
	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}

	if err := b.initDiscordSession(ctx, runtime); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if startCtx.Err() != nil {
		return startCtx.Err()
	}

	if _, err := b.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		go func() {
			if statusErr := b.discord.session.UpdateCustomStatus(status); statusErr != nil {
				b.logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// initDiscordSession creates the discord session if needed, and adds
// the gateway event handlers. Interactions and member joins are handled
// on goroutines tracked by runtime, and dropped once shutdown begins.
func (b *Bot) initDiscordSession(ctx context.Context, runtime *runtimeGroup) error {
	d := b.discord
	if d.session == nil {
		session, err := d.newSession()
		if err != nil {
			return err
		}
		d.session = session
	}

	for _, h := range d.removeHandlerFuncs {
		h()
	}

	d.removeHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerGuildCreate()),
		d.session.AddHandler(d.handlerGuildDelete()),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				if ctx.Err() != nil || !runtime.Go(func() { b.handleInteraction(ctx, i) }) {
					b.logger.Warn("shutting down, dropping interaction", "interaction_id", i.ID)
				}
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				if ctx.Err() != nil || !runtime.Go(func() { b.welcomeMember(ctx, m.Member) }) {
					b.logger.Warn("shutting down, dropping member join", "guild_id", m.GuildID)
				}
			},
		),
	}
	return nil
}

// runSweeper starts a sweep on every tick of the sweep interval until
// ctx is canceled. Sweeps run in their own goroutine, so a slow sweep
// makes the next tick be skipped rather than delayed.
func (b *Bot) runSweeper(ctx context.Context, runtime *runtimeGroup) {
	ticker := time.NewTicker(b.config.Sanctions.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			runtime.Go(func() { b.sweep(ctx) })
		}
	}
}

func (b *Bot) sweep(ctx context.Context) {
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()
	result, err := b.ledger.Sweep(ctx, time.Now(), b.discord)
	if err != nil {
		b.logger.ErrorContext(ctx, "sweep failed", tint.Err(err))
	}
	b.announceReversals(ctx, result)
}

// reconcileWhenReady waits for the gateway's Ready event, so the guild
// list is known, then runs the reconciliation pass.
func (b *Bot) reconcileWhenReady(ctx context.Context) {
	timer := time.NewTimer(b.config.StartupTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-b.discord.ready:
	case <-timer.C:
		b.logger.WarnContext(ctx, "no ready event received, reconciling with known guilds")
	}

	r := newReconciler(
		b.discord.session,
		b.board,
		b.config.Reconcile,
		b.logger.With(loggerNameKey, "reconcile"),
	)
	if _, err := r.Run(ctx, b.discord.Guilds()); err != nil {
		b.logger.ErrorContext(ctx, "reconciliation failed", tint.Err(err))
	}
}

// handleInteraction routes an interaction received from the gateway.
func (b *Bot) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := b.logger

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	logger.InfoContext(ctx, "received new interaction")
	metricInteractions.WithLabelValues(i.Type.String(), interactionName(i)).Inc()

	switch i.Type {
	case discordgo.InteractionPing:
		b.discord.respondWith(
			ctx,
			i.Interaction,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionModalSubmit:
		b.handleModalSubmit(ctx, i)
	case discordgo.InteractionMessageComponent:
		b.handleMessageComponent(ctx, i)
	case discordgo.InteractionApplicationCommand:
		b.handleApplicationCommand(ctx, i)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

func (b *Bot) shutdown(ctx context.Context, runtime *runtimeGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		runtime.Close()
		if b.api != nil {
			_ = b.api.httpServer.Close()
		}
		if b.discord.session != nil {
			_ = b.discord.session.Close()
		}
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// in-flight interactions and sweeps finish first. Once closed,
		// runtime accepts nothing new, so the wait can't race an Add.
		runtime.Close()
		runtime.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if b.api != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				if err := b.api.Shutdown(closeCtx); err != nil {
					b.logger.WarnContext(ctx, "error stopping http server", tint.Err(err))
				}
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				for _, h := range b.discord.removeHandlerFuncs {
					h()
				}
				b.discord.removeHandlerFuncs = nil
				b.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			b.logger.Warn("in-flight requests did not finish in time, forcing close")
			if b.api != nil {
				go func() {
					_ = b.api.httpServer.Close()
				}()
			}
			return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
		}
	}
}
