package universalbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Permission bits checked by the dashboard and prefix commands
const (
	permissionKickMembers     int64 = 1 << 1
	permissionBanMembers      int64 = 1 << 2
	permissionAdministrator   int64 = 1 << 3
	permissionManageChannels  int64 = 1 << 4
	permissionManageGuild     int64 = 1 << 5
	permissionSendMessages    int64 = 1 << 11
	permissionManageMessages  int64 = 1 << 13
	permissionManageNicknames int64 = 1 << 27
	permissionModerateMembers int64 = 1 << 40
)

var ErrDiscordNotConnected = errors.New("discord gateway not connected")

// Discord manages the bot's gateway session and the handlers registered
// on it.
//
// Fields:
//   - session: The Discord session handler.
//   - config: Configuration for the Discord integration.
//   - logger: Logger for Discord-related events.
//   - connected: Indicates if the gateway connection is active.
//   - metricConnects/metricDisconnects: Gateway connection counters
//   - discordgoRemoveHandlerFuncs: Functions which remove registered handlers
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *Bot
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new discordgo session with the bot token.
// State tracking is enabled, as member counts and channel permissions
// are read from it.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.StateEnabled = true
	disc.State.TrackMembers = false
	disc.State.TrackPresences = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// Connected returns true while the gateway connection is open
func (d *Discord) Connected() bool {
	return d.connected.Load()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.connected.Store(true)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", userLogAttrs(r.User)...),
			"guilds", len(r.Guilds),
		)
		if d.config.CustomStatus != "" {
			if err := s.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// handlers returns the gateway event handlers for the bot. Each event is
// handled on its own goroutine, tracked by wg so shutdown can wait on
// in-flight work.
func (d *Discord) handlers(ctx context.Context, wg *sync.WaitGroup) []any {
	b := d.bot
	return []any{
		d.handlerConnect(),
		d.handlerDisconnect(),
		d.handlerReady(),
		func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if rc := recover(); rc != nil {
						b.handleRecover(ctx, rc)
					}
				}()
				b.handleMemberAdd(ctx, m.Member)
			}()
		},
		func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if rc := recover(); rc != nil {
						b.handleRecover(ctx, rc)
					}
				}()
				b.handleMemberRemove(ctx, m.Member)
			}()
		},
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if rc := recover(); rc != nil {
						b.handleRecover(ctx, rc)
					}
				}()
				b.handleMessage(ctx, m.Message)
			}()
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSendComplex sends a message with optional embeds
	// to the given channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Channel returns the channel with the given ID, from state if
	// available
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// Guild returns the guild with the given ID, from state if available
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)

	// InGuild reports whether the bot is in the given guild. Only state
	// is checked, no request is made.
	InGuild(guildID string) bool

	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)

	// GuildMember returns a guild member, from state if available
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	GuildMemberRoleAdd(
		guildID string,
		userID string,
		roleID string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberNickname(
		guildID string,
		userID string,
		nickname string,
		options ...discordgo.RequestOption,
	) error

	GuildMemberDeleteWithReason(
		guildID string,
		userID string,
		reason string,
		options ...discordgo.RequestOption,
	) error

	GuildBanCreateWithReason(
		guildID string,
		userID string,
		reason string,
		days int,
		options ...discordgo.RequestOption,
	) error

	GuildBanDelete(guildID string, userID string, options ...discordgo.RequestOption) error

	// GuildMemberTimeout times out a member until the given time. A nil
	// until removes the timeout.
	GuildMemberTimeout(
		guildID string,
		userID string,
		until *time.Time,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessages returns up to limit messages from the channel,
	// before/after/around the given message IDs
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	ChannelMessageDelete(channelID string, messageID string, options ...discordgo.RequestOption) error

	// ChannelMessagesBulkDelete deletes up to 100 messages from the channel
	ChannelMessagesBulkDelete(
		channelID string,
		messages []string,
		options ...discordgo.RequestOption,
	) error

	// ChannelPermissionSet creates or replaces a permission overwrite
	// for a role or member in the channel
	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		options ...discordgo.RequestOption,
	) error

	ChannelPermissionDelete(
		channelID string,
		targetID string,
		options ...discordgo.RequestOption,
	) error

	// UserChannelPermissions returns the permission bits the user has
	// in the given channel, computed from state
	UserChannelPermissions(userID string, channelID string) (int64, error)

	// BotUserID returns the ID of the bot's own user, once connected
	BotUserID() string

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Warn(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
		return msg, err
	}
	d.logger.Debug("sent message", messageLogAttrs(msg)...)
	return msg, nil
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.session.State != nil {
		if c, err := d.session.State.Channel(channelID); err == nil {
			return c, nil
		}
	}
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) InGuild(guildID string) bool {
	if d.session.State == nil {
		return false
	}
	_, err := d.session.State.Guild(guildID)
	return err == nil
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	if d.session.State != nil {
		if m, err := d.session.State.Member(guildID, userID); err == nil {
			return m, nil
		}
	}
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) GuildMemberNickname(
	guildID string,
	userID string,
	nickname string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberNickname(guildID, userID, nickname, options...)
}

func (d DiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberDeleteWithReason(guildID, userID, reason, options...)
}

func (d DiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	days int,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildBanCreateWithReason(guildID, userID, reason, days, options...)
}

func (d DiscordSession) GuildBanDelete(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildBanDelete(guildID, userID, options...)
}

func (d DiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberTimeout(guildID, userID, until, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessagesBulkDelete(
	channelID string,
	messages []string,
	options ...discordgo.RequestOption,
) error {
	err := d.session.ChannelMessagesBulkDelete(channelID, messages, options...)
	if err == nil {
		d.logger.Info(
			"bulk deleted messages",
			"channel_id", channelID,
			"count", len(messages),
		)
	}
	return err
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, options...)
}

func (d DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, options...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
) (int64, error) {
	return d.session.State.UserChannelPermissions(userID, channelID)
}

func (d DiscordSession) BotUserID() string {
	if d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.ID
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

// hasPermission returns true if perms includes want, or ADMINISTRATOR
func hasPermission(perms int64, want int64) bool {
	return perms&permissionAdministrator != 0 || perms&want == want
}
