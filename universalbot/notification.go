package universalbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
)

// NotificationKind identifies which member event a notification is sent for
type NotificationKind string

const (
	NotificationJoin  NotificationKind = "join"
	NotificationLeave NotificationKind = "leave"
	NotificationDM    NotificationKind = "dm"
)

// channelNone is what older dashboard versions saved when no channel
// was selected
const channelNone = "none"

// testMarker is appended to the text of test notifications
const testMarker = "-# This is a test message sent from the dashboard."

var notificationKeySuffixes = map[NotificationKind]string{
	NotificationJoin:  "welcome",
	NotificationLeave: "leave",
	NotificationDM:    "dm",
}

// ParseNotificationKind validates s as a NotificationKind. "welcome" is
// accepted as an alias for join.
func ParseNotificationKind(s string) (NotificationKind, error) {
	switch s {
	case string(NotificationJoin), "welcome":
		return NotificationJoin, nil
	case string(NotificationLeave):
		return NotificationLeave, nil
	case string(NotificationDM):
		return NotificationDM, nil
	default:
		return "", fmt.Errorf("unknown notification type: %q", s)
	}
}

// sendsToChannel is true for notifications posted in a guild channel,
// rather than DMed to the member
func (k NotificationKind) sendsToChannel() bool {
	return k != NotificationDM
}

// NotificationConfig is the stored configuration for a single
// notification kind in a guild.
type NotificationConfig struct {
	Enabled   bool         `json:"enabled"`
	ChannelID string       `json:"channel_id,omitempty" binding:"omitempty,max=32"`
	Text      string       `json:"text,omitempty" binding:"omitempty,max=2000"`
	Embed     *EmbedConfig `json:"embed,omitempty"`
}

// destinationChannel returns the configured channel ID, or an empty string
// if no channel is set
func (n NotificationConfig) destinationChannel() string {
	if n.ChannelID == channelNone {
		return ""
	}
	return n.ChannelID
}

// buildNotificationMessage renders text and embed against rc, returning
// nil when neither has anything to send
func buildNotificationMessage(
	text string,
	embedCfg *EmbedConfig,
	rc RenderContext,
) *discordgo.MessageSend {
	content, _ := Render(text, rc)
	e := BuildEmbed(embedCfg, rc)
	if content == "" && e == nil {
		return nil
	}
	msg := &discordgo.MessageSend{
		Content: content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}
	if e != nil {
		msg.Embeds = []*discordgo.MessageEmbed{e}
	}
	return msg
}

func notificationKey(kind NotificationKind, guildID string) string {
	return guildKey(guildID, notificationKeySuffixes[kind])
}

// guildKey returns a key scoped to the given guild, ex:
// guildKey("123", "welcome") => "guild_123.welcome"
func guildKey(guildID string, parts ...string) string {
	key := "guild_" + guildID
	for _, p := range parts {
		key += "." + p
	}
	return key
}

// LoadNotificationConfig loads the stored configuration for kind in the
// given guild. The returned bool is false if nothing is stored.
func LoadNotificationConfig(
	ctx context.Context,
	store KVStore,
	kind NotificationKind,
	guildID string,
) (NotificationConfig, bool, error) {
	var cfg NotificationConfig
	found, err := store.Get(ctx, notificationKey(kind, guildID), &cfg)
	return cfg, found, err
}

// SaveNotificationConfig stores cfg for kind in the given guild,
// replacing any existing configuration
func SaveNotificationConfig(
	ctx context.Context,
	store KVStore,
	kind NotificationKind,
	guildID string,
	cfg NotificationConfig,
) error {
	return store.Set(ctx, notificationKey(kind, guildID), cfg)
}

// DeleteNotificationConfig removes the configuration for kind in the
// given guild, which disables it
func DeleteNotificationConfig(
	ctx context.Context,
	store KVStore,
	kind NotificationKind,
	guildID string,
) (bool, error) {
	return store.Delete(ctx, notificationKey(kind, guildID))
}

// notificationSender is the subset of DiscordSessionHandler needed to
// deliver notifications
type notificationSender interface {
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Dispatcher delivers join, leave and DM notifications. It holds no
// per-event state, every call loads its configuration from the store.
type Dispatcher struct {
	store  KVStore
	sender notificationSender
	logger *slog.Logger
}

func NewDispatcher(store KVStore, sender notificationSender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		logger: logger.With(loggerNameKey, "dispatcher"),
	}
}

// Dispatch sends the notification configured for kind in the given guild,
// rendered against rc. userID is the member the event is for, and is
// the recipient of DM notifications.
//
// Dispatch is best-effort: missing or disabled configuration is a no-op,
// and delivery errors are logged and discarded.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	kind NotificationKind,
	guildID string,
	userID string,
	rc RenderContext,
) {
	logger := d.logger.With(
		"kind", kind,
		"guild_id", guildID,
		"user_id", userID,
	)

	cfg, found, err := LoadNotificationConfig(ctx, d.store, kind, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading notification config", tint.Err(err))
		return
	}
	if !found || !cfg.Enabled {
		logger.DebugContext(ctx, "notification not configured")
		return
	}

	var channelID string
	if kind.sendsToChannel() {
		channelID = cfg.destinationChannel()
		if channelID == "" {
			logger.DebugContext(ctx, "no notification channel set")
			return
		}
	}

	msg := buildNotificationMessage(cfg.Text, cfg.Embed, rc)
	if msg == nil {
		logger.DebugContext(ctx, "nothing to send")
		return
	}

	if !kind.sendsToChannel() {
		dm, dmErr := d.sender.UserChannelCreate(userID)
		if dmErr != nil {
			logger.WarnContext(ctx, "unable to open DM channel", tint.Err(dmErr))
			return
		}
		channelID = dm.ID
	}

	if _, err = d.sender.ChannelMessageSendComplex(
		channelID,
		msg,
		discordgo.WithRetryOnRatelimit(false),
	); err != nil {
		logger.WarnContext(
			ctx,
			"unable to deliver notification",
			tint.Err(err),
			"channel_id", channelID,
		)
		return
	}
	logger.InfoContext(ctx, "sent notification", "channel_id", channelID)
}

// TestNotification is a dashboard request to send a notification
// immediately, rendered against the requesting member.
type TestNotification struct {
	Kind      NotificationKind
	GuildID   string
	ChannelID string
	Text      string
	Embed     *EmbedConfig
	Member    *discordgo.Member
	Guild     *discordgo.Guild

	// DefaultIconURL is used for the guild icon when the guild has none
	DefaultIconURL string
}

// TestResult is the outcome of a test notification. Status is the
// HTTP status the dashboard responds with.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func testFailure(status int, message string) TestResult {
	return TestResult{Success: false, Message: message, Status: status}
}

// SendTest sends a test notification. Unlike Dispatch, failures are
// returned to the caller in the TestResult.
func (d *Dispatcher) SendTest(ctx context.Context, t TestNotification) TestResult {
	logger := d.logger.With(
		"kind", t.Kind,
		"guild_id", t.GuildID,
		"test", true,
	)
	if t.Member == nil || t.Member.User == nil {
		return testFailure(http.StatusNotFound, "You aren't a member of this server.")
	}

	rc := NewMemberRenderContext(t.Member, t.Guild, t.DefaultIconURL)
	msg := buildNotificationMessage(t.Text, t.Embed, rc)
	if msg == nil {
		return testFailure(
			http.StatusBadRequest,
			"Nothing to send: add a message or enable the embed.",
		)
	}
	if msg.Content == "" {
		msg.Content = testMarker
	} else {
		msg.Content += "\n" + testMarker
	}

	var channelID string
	var destination string

	if t.Kind.sendsToChannel() {
		channelID = t.ChannelID
		if channelID == "" || channelID == channelNone {
			return testFailure(http.StatusBadRequest, "Select a channel first.")
		}
		channel, err := d.sender.Channel(channelID)
		if err != nil || channel == nil || channel.GuildID != t.GuildID {
			logger.WarnContext(
				ctx,
				"test channel not found",
				tint.Err(err),
				"channel_id", channelID,
			)
			return testFailure(http.StatusNotFound, "Channel not found.")
		}
		destination = "#" + channel.Name
	} else {
		dm, err := d.sender.UserChannelCreate(t.Member.User.ID)
		if err != nil {
			logger.WarnContext(ctx, "unable to open DM channel", tint.Err(err))
			return testFailure(
				http.StatusBadGateway,
				"Couldn't open your direct messages. Check your privacy settings.",
			)
		}
		channelID = dm.ID
		destination = "your direct messages"
	}

	if _, err := d.sender.ChannelMessageSendComplex(
		channelID,
		msg,
		discordgo.WithRetryOnRatelimit(false),
	); err != nil {
		logger.WarnContext(
			ctx,
			"unable to deliver test notification",
			tint.Err(err),
			"channel_id", channelID,
		)
		return testFailure(
			http.StatusBadGateway,
			fmt.Sprintf("Couldn't send to %s: %s", destination, discordErrorMessage(err)),
		)
	}

	logger.InfoContext(ctx, "sent test notification", "channel_id", channelID)
	return TestResult{
		Success: true,
		Message: fmt.Sprintf("Test message sent to %s.", destination),
		Status:  http.StatusOK,
	}
}

// discordErrorMessage returns the message from a discord REST error, or
// the error string otherwise
func discordErrorMessage(err error) string {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Message != "" {
		return restErr.Message.Message
	}
	return err.Error()
}
