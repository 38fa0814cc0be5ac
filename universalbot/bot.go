package universalbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/wengley/universal-bot-discord/universalbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Bot ties together the discord gateway session, the database and the
// dashboard API.
//
// Member join/leave events are passed to the Dispatcher (and auto-role),
// guild messages are checked for AFK mentions and prefix commands, and
// the API lets guild managers change all of it.
type Bot struct {
	config *Config

	// database wrapper. When using sqlite, writes are serialized
	// with a mutex.
	db DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Serves the dashboard API
	api *API

	// Sends join, leave and DM notifications
	dispatcher *Dispatcher

	// Prefix commands, keyed by name and alias
	commands map[string]*prefixCommand

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to the
	// database and opened the discord gateway connection
	signalReady chan struct{}

	// A signal is sent on this channel when [Bot.shutdown] finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New creates a Bot from the given config. Nothing is connected until
// Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		commands:      prefixCommands(),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(b.config.Discord)
	disc.logger = newComponentLogger(defaultLogWriter, b.config.Discord.LogLevel, "discord")
	disc.bot = b
	b.discord = disc

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config's `binding` tags
func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// store returns the key/value store guild settings are kept in
func (b *Bot) store() KVStore {
	return b.db
}

// Run connects to the database and discord, serves the API, and handles
// events until ctx is canceled or a stop signal is received. It then
// shuts down gracefully, within [Config.ShutdownTimeout].
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// in-flight gateway event handlers
	runtimeWG := &sync.WaitGroup{}

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

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return b.shutdown(ctx, runtimeWG, fmt.Errorf("error connecting to discord: %w", err))
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context
	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG, nil)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// initRun connects to the database, then creates the discord session
// (unless one has already been set) and registers gateway handlers
func (b *Bot) initRun(startCtx context.Context, ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	b.dispatcher = NewDispatcher(b.store(), b.discord.session, b.logger)
	return nil
}

// initDB opens and migrates the configured database
func (b *Bot) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, b.config.DatabaseSlowThreshold)
	db, err := getDB(b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	if b.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return err
		}
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	b.db = NewDatabase(
		db,
		slog.New(handler),
		b.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// initDiscordSession creates the discord session, if one isn't already
// set, and (re-)registers the gateway handlers
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return discErr
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{
			Intents: b.config.Discord.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	handlers := b.discord.handlers(ctx, runtimeWG)
	b.discord.discordgoRemoveHandlerFuncs = make([]func(), 0, len(handlers))
	for _, h := range handlers {
		b.discord.discordgoRemoveHandlerFuncs = append(
			b.discord.discordgoRemoveHandlerFuncs,
			b.discord.session.AddHandler(h),
		)
	}
	return nil
}

// shutdown closes the discord connection and the API server, then waits
// for in-flight event handlers, up to [Config.ShutdownTimeout]. runErr is
// the error that caused the shutdown, if any.
func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	runErr error,
) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	errs := []error{runErr}

	if b.discord.session != nil {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		b.discord.discordgoRemoveHandlerFuncs = nil
		if err := b.discord.session.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
		b.discord.connected.Store(false)
	}

	if err := b.api.httpServer.Shutdown(closeCtx); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		logger.ErrorContext(ctx, "error shutting down api server", tint.Err(err))
		errs = append(errs, err)
	}

	handlersDone := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		handlersDone <- struct{}{}
	}()

	select {
	case <-handlersDone:
		logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.ErrorContext(
			ctx,
			"timed out waiting on in-flight events",
			"shutdown_timeout", b.config.ShutdownTimeout,
		)
		errs = append(errs, errors.New("event handlers did not stop in time"))
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB().DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				logger.ErrorContext(ctx, "error closing database", tint.Err(closeErr))
				errs = append(errs, closeErr)
			}
		}
	}
	return errors.Join(errs...)
}

// guildForEvent returns the guild the event happened in. If it can't
// be found, a guild with only its ID set is returned, so notifications
// still render (with empty guild values).
func (b *Bot) guildForEvent(ctx context.Context, guildID string) *discordgo.Guild {
	guild, err := b.discord.session.Guild(guildID)
	if err != nil || guild == nil {
		b.logger.WarnContext(ctx, "unable to get guild", tint.Err(err), "guild_id", guildID)
		return &discordgo.Guild{ID: guildID}
	}
	return guild
}

// handleMemberAdd assigns auto-roles to a new member, then sends the
// guild's join and DM notifications
func (b *Bot) handleMemberAdd(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := b.logger.With(
		"guild_id", member.GuildID,
		slog.Group("user", userLogAttrs(member.User)...),
	)
	logger.InfoContext(ctx, "member joined")

	assignAutoRoles(ctx, b.store(), b.discord.session, logger, member.GuildID, member.User.ID)

	guild := b.guildForEvent(ctx, member.GuildID)
	rc := NewMemberRenderContext(member, guild, b.config.Discord.DefaultIconURL)

	b.dispatcher.Dispatch(ctx, NotificationJoin, member.GuildID, member.User.ID, rc)
	if member.User.Bot {
		return
	}
	b.dispatcher.Dispatch(ctx, NotificationDM, member.GuildID, member.User.ID, rc)
}

// handleMemberRemove sends the guild's leave notification, and clears
// any AFK status the member had
func (b *Bot) handleMemberRemove(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := b.logger.With(
		"guild_id", member.GuildID,
		slog.Group("user", userLogAttrs(member.User)...),
	)
	logger.InfoContext(ctx, "member left")

	guild := b.guildForEvent(ctx, member.GuildID)
	rc := NewLeaveRenderContext(member.User, guild, b.config.Discord.DefaultIconURL)
	b.dispatcher.Dispatch(ctx, NotificationLeave, member.GuildID, member.User.ID, rc)

	if _, err := b.store().Delete(ctx, afkKey(member.GuildID, member.User.ID)); err != nil {
		logger.ErrorContext(ctx, "error clearing AFK status", tint.Err(err))
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
