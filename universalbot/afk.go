package universalbot

import (
	"context"
	"fmt"
	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
	"time"
)

const (
	afkNickPrefix    = "[AFK] "
	afkDefaultReason = "No reason given."
	afkEmbedColor    = 0x00BFFF

	// discordNicknameMaxLength is discord's limit on nickname length
	discordNicknameMaxLength = 32
)

// AFKStatus is stored while a member is away
type AFKStatus struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`

	// NickChanged is set when the bot prefixed the member's nickname,
	// in which case OriginalNick is restored when they return
	NickChanged  bool   `json:"nick_changed,omitempty"`
	OriginalNick string `json:"original_nick,omitempty"`
}

// AFKSettings toggles AFK tracking for a guild
type AFKSettings struct {
	Enabled bool `json:"enabled"`
}

func afkKey(guildID string, userID string) string {
	return guildKey(guildID, "afk", userID)
}

func afkSettingsKey(guildID string) string {
	return guildKey(guildID, "afk_settings")
}

// loadAFKSettings returns the guild's AFK settings. AFK tracking is
// enabled unless it's been explicitly turned off.
func loadAFKSettings(ctx context.Context, store KVStore, guildID string) (AFKSettings, error) {
	settings := AFKSettings{Enabled: true}
	_, err := store.Get(ctx, afkSettingsKey(guildID), &settings)
	return settings, err
}

// afkNickname returns the nickname to use while a member is AFK. Names
// over discord's length limit are cut short with an ellipsis.
func afkNickname(name string) string {
	nick := afkNickPrefix + name
	if len([]rune(nick)) > discordNicknameMaxLength {
		nick = truncate(nick, discordNicknameMaxLength-4) + "..."
	}
	return nick
}

// commandAFK marks the author as AFK with an optional reason
func commandAFK(c *commandContext) error {
	reason := strings.TrimSpace(strings.Join(c.args, " "))
	if reason == "" {
		reason = afkDefaultReason
	}

	guildID := c.message.GuildID
	author := c.message.Author
	key := afkKey(guildID, author.ID)
	status := AFKStatus{Reason: reason, Since: time.Now().UTC()}

	var previous AFKStatus
	alreadyAFK, err := c.bot.store().Get(c.ctx, key, &previous)
	if err != nil {
		return fmt.Errorf("error loading AFK status: %w", err)
	}

	member := c.member()
	switch {
	case alreadyAFK:
		// only the reason changes, the nickname to restore stays the
		// one saved when they first went AFK
		status.Since = previous.Since
		status.NickChanged = previous.NickChanged
		status.OriginalNick = previous.OriginalNick
	case strings.HasPrefix(member.Nick, afkNickPrefix):
	default:
		nickErr := c.session().GuildMemberNickname(
			guildID,
			author.ID,
			afkNickname(memberDisplayName(member)),
		)
		if nickErr != nil {
			// the bot can't rename the owner, or members above its own role
			c.logger.InfoContext(c.ctx, "unable to set AFK nickname", tint.Err(nickErr))
		} else {
			status.NickChanged = true
			status.OriginalNick = member.Nick
		}
	}

	if err = c.bot.store().Set(c.ctx, key, status); err != nil {
		return fmt.Errorf("error saving AFK status: %w", err)
	}

	e := embed.NewEmbed().
		SetColor(afkEmbedColor).
		SetAuthor(author.Username, author.AvatarURL("")).
		SetDescription(fmt.Sprintf("You're now AFK. Reason: **%s**", reason))
	return c.replyEmbed(e.MessageEmbed)
}

// handleAFKMessage clears the author's AFK status if they have one, and
// lets them know about any AFK members they mentioned. isAFKCommand
// is set when the message is itself an AFK command, which shouldn't
// immediately clear the status it sets.
func (b *Bot) handleAFKMessage(
	ctx context.Context,
	m *discordgo.Message,
	isAFKCommand bool,
) {
	logger := b.logger.With(messageLogAttrs(m)...)
	settings, err := loadAFKSettings(ctx, b.store(), m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading AFK settings", tint.Err(err))
		return
	}
	if !settings.Enabled {
		return
	}

	if !isAFKCommand {
		b.clearAFK(ctx, m)
	}

	seen := map[string]bool{m.Author.ID: true}
	for _, mentioned := range m.Mentions {
		if mentioned == nil || seen[mentioned.ID] || mentioned.Bot {
			continue
		}
		seen[mentioned.ID] = true

		var status AFKStatus
		found, getErr := b.store().Get(ctx, afkKey(m.GuildID, mentioned.ID), &status)
		if getErr != nil {
			logger.ErrorContext(ctx, "error loading AFK status", tint.Err(getErr))
			continue
		}
		if !found {
			continue
		}
		content := fmt.Sprintf(
			"**%s** is AFK (since <t:%d:R>): %s",
			mentioned.Username,
			status.Since.Unix(),
			status.Reason,
		)
		if _, sendErr := b.discord.session.ChannelMessageSendComplex(
			m.ChannelID,
			&discordgo.MessageSend{
				Content:         content,
				Reference:       m.Reference(),
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			},
		); sendErr != nil {
			logger.WarnContext(ctx, "unable to send AFK notice", tint.Err(sendErr))
		}
	}
}

// clearAFK removes the author's AFK status, if set, restoring their
// nickname and welcoming them back
func (b *Bot) clearAFK(ctx context.Context, m *discordgo.Message) {
	logger := b.logger.With(messageLogAttrs(m)...)
	key := afkKey(m.GuildID, m.Author.ID)

	var status AFKStatus
	found, err := b.store().Get(ctx, key, &status)
	if err != nil {
		logger.ErrorContext(ctx, "error loading AFK status", tint.Err(err))
		return
	}
	if !found {
		return
	}
	if _, err = b.store().Delete(ctx, key); err != nil {
		logger.ErrorContext(ctx, "error clearing AFK status", tint.Err(err))
		return
	}

	if status.NickChanged {
		if nickErr := b.discord.session.GuildMemberNickname(
			m.GuildID,
			m.Author.ID,
			status.OriginalNick,
		); nickErr != nil {
			logger.InfoContext(ctx, "unable to restore nickname", tint.Err(nickErr))
		}
	}

	away := time.Since(status.Since).Round(time.Second)
	if _, err = b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content:   fmt.Sprintf("Welcome back <@%s>! You were AFK for %s.", m.Author.ID, away),
			Reference: m.Reference(),
		},
	); err != nil {
		logger.WarnContext(ctx, "unable to send welcome back message", tint.Err(err))
	}
	logger.InfoContext(ctx, "cleared AFK status", "away", away)
}
