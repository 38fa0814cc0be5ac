package universalbot

import (
	"errors"
	"fmt"
	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strconv"
	"strings"
	"time"
)

const (
	muteEmbedColor   = 0xFF4500
	unmuteEmbedColor = 0x32CD32
	unbanEmbedColor  = 0x00FF00
	lockEmbedColor   = 0xFF0000
	unlockEmbedColor = 0x00FF00

	muteDefaultDuration = time.Hour

	// discordMaxTimeout is the longest timeout discord accepts
	discordMaxTimeout = 28 * 24 * time.Hour

	clearMaxMessages = 100

	// bulkDeleteMaxAge is how old a message can be and still be bulk deleted
	bulkDeleteMaxAge = 14 * 24 * time.Hour

	// clearConfirmationTTL is how long the clear confirmation stays up
	clearConfirmationTTL = 5 * time.Second
)

var errMissingUserID = errors.New("give the user ID to unban")

// parseMuteDuration parses durations like "30m", "2h" or "3d"
func parseMuteDuration(s string) (time.Duration, bool) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, false
		}
		return time.Duration(n) * 24 * time.Hour, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// commandMute times out a member: mute <@member> [duration] [reason]
func commandMute(c *commandContext) error {
	target, err := c.target()
	if err != nil {
		return err
	}
	guildID := c.message.GuildID

	duration := muteDefaultDuration
	reasonStart := 1
	if len(c.args) > 1 {
		if d, ok := parseMuteDuration(c.args[1]); ok {
			duration = d
			reasonStart = 2
		}
	}
	if duration > discordMaxTimeout {
		return fmt.Errorf("members can be muted for at most %d days", int(discordMaxTimeout.Hours()/24))
	}
	reason := c.reasonFrom(reasonStart)

	perms, err := c.session().UserChannelPermissions(target.ID, c.message.ChannelID)
	if err == nil && perms&permissionAdministrator != 0 {
		return errors.New("administrators can't be muted")
	}

	until := time.Now().Add(duration).UTC()
	if err = c.session().GuildMemberTimeout(guildID, target.ID, &until); err != nil {
		return fmt.Errorf("couldn't mute %s: %s", target.String(), discordErrorMessage(err))
	}

	var guildName string
	if g, gErr := c.session().Guild(guildID); gErr == nil {
		guildName = g.Name
	}
	e := moderationEmbed("🔇 Member muted", muteEmbedColor, target, c.message.Author, reason, guildName)
	e.Fields = append(
		e.Fields,
		&discordgo.MessageEmbedField{Name: "Until", Value: fmt.Sprintf("<t:%d:f>", until.Unix())},
	)
	return c.replyEmbed(e)
}

// commandUnmute removes a member's timeout
func commandUnmute(c *commandContext) error {
	target, err := c.target()
	if err != nil {
		return err
	}
	guildID := c.message.GuildID

	if member, mErr := c.session().GuildMember(guildID, target.ID); mErr == nil {
		until := member.CommunicationDisabledUntil
		if until == nil || until.Before(time.Now()) {
			return fmt.Errorf("%s isn't muted", target.String())
		}
	}

	if err = c.session().GuildMemberTimeout(guildID, target.ID, nil); err != nil {
		return fmt.Errorf("couldn't unmute %s: %s", target.String(), discordErrorMessage(err))
	}

	e := embed.NewEmbed().
		SetColor(unmuteEmbedColor).
		SetTitle("🔊 Member unmuted").
		SetDescription(
			fmt.Sprintf("✅ **%s** was unmuted by %s.", target.String(), c.message.Author.String()),
		)
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return c.replyEmbed(e.MessageEmbed)
}

// commandUnban lifts a ban by user ID. Banned users aren't members, so
// the target is never looked up.
func commandUnban(c *commandContext) error {
	if len(c.args) == 0 {
		return errMissingUserID
	}
	userID, ok := parseUserID(c.args[0])
	if !ok {
		return errMissingUserID
	}
	guildID := c.message.GuildID
	if err := c.session().GuildBanDelete(guildID, userID); err != nil {
		return fmt.Errorf("couldn't unban %s: %s", userID, discordErrorMessage(err))
	}

	var guildName string
	if g, gErr := c.session().Guild(guildID); gErr == nil {
		guildName = g.Name
	}
	e := embed.NewEmbed().
		SetColor(unbanEmbedColor).
		SetTitle("✅ User unbanned").
		AddField("User", fmt.Sprintf("<@%s> (%s)", userID, userID)).
		AddField("Moderator", c.message.Author.String()).
		SetFooter(guildName)
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return c.replyEmbed(e.MessageEmbed)
}

// commandClear bulk deletes the last 1-100 messages in the channel,
// along with the command itself. Messages too old to bulk delete are
// skipped.
func commandClear(c *commandContext) error {
	usage := fmt.Errorf("give a number of messages between 1 and %d", clearMaxMessages)
	if len(c.args) == 0 {
		return usage
	}
	amount, err := strconv.Atoi(c.args[0])
	if err != nil || amount < 1 || amount > clearMaxMessages {
		return usage
	}
	channelID := c.message.ChannelID

	messages, err := c.session().ChannelMessages(channelID, amount, c.message.ID, "", "")
	if err != nil {
		return fmt.Errorf("couldn't fetch messages: %s", discordErrorMessage(err))
	}

	cutoff := time.Now().Add(-bulkDeleteMaxAge)
	messageIDs := []string{c.message.ID}
	var skipped int
	for _, m := range messages {
		if m.Timestamp.Before(cutoff) {
			skipped++
			continue
		}
		messageIDs = append(messageIDs, m.ID)
	}
	if len(messageIDs) > clearMaxMessages {
		messageIDs = messageIDs[:clearMaxMessages]
	}

	if err = c.session().ChannelMessagesBulkDelete(channelID, messageIDs); err != nil {
		return fmt.Errorf("couldn't delete messages: %s", discordErrorMessage(err))
	}

	content := fmt.Sprintf("✅ Deleted %d message(s).", len(messageIDs)-1)
	if skipped > 0 {
		content += fmt.Sprintf(" %d older than 14 days were skipped.", skipped)
	}
	confirmation, err := c.session().ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{Content: content},
	)
	if err != nil {
		return err
	}

	logger := c.logger
	session := c.session()
	time.AfterFunc(
		clearConfirmationTTL, func() {
			if delErr := session.ChannelMessageDelete(channelID, confirmation.ID); delErr != nil {
				logger.Info("unable to delete clear confirmation", tint.Err(delErr))
			}
		},
	)
	return nil
}

// everyoneOverwrite returns the channel's permission overwrite for the
// guild's @everyone role, which shares the guild's ID
func everyoneOverwrite(channel *discordgo.Channel) (allow int64, deny int64) {
	for _, ow := range channel.PermissionOverwrites {
		if ow.ID == channel.GuildID && ow.Type == discordgo.PermissionOverwriteTypeRole {
			return ow.Allow, ow.Deny
		}
	}
	return 0, 0
}

// commandLock denies @everyone SEND_MESSAGES in the channel
func commandLock(c *commandContext) error {
	channel, err := c.session().Channel(c.message.ChannelID)
	if err != nil {
		return fmt.Errorf("couldn't load channel: %s", discordErrorMessage(err))
	}
	allow, deny := everyoneOverwrite(channel)
	if deny&permissionSendMessages != 0 {
		return errors.New("this channel is already locked")
	}

	if err = c.session().ChannelPermissionSet(
		channel.ID,
		channel.GuildID,
		discordgo.PermissionOverwriteTypeRole,
		allow&^permissionSendMessages,
		deny|permissionSendMessages,
	); err != nil {
		return fmt.Errorf("couldn't lock the channel: %s", discordErrorMessage(err))
	}

	e := embed.NewEmbed().
		SetColor(lockEmbedColor).
		SetTitle("🔒 Channel locked").
		SetDescription(fmt.Sprintf("This channel was locked by <@%s>.", c.message.Author.ID))
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return c.replyEmbed(e.MessageEmbed)
}

// commandUnlock removes the @everyone SEND_MESSAGES deny set by lock,
// leaving the rest of the overwrite alone
func commandUnlock(c *commandContext) error {
	channel, err := c.session().Channel(c.message.ChannelID)
	if err != nil {
		return fmt.Errorf("couldn't load channel: %s", discordErrorMessage(err))
	}
	allow, deny := everyoneOverwrite(channel)
	if deny&permissionSendMessages == 0 {
		return errors.New("this channel isn't locked")
	}

	deny &^= permissionSendMessages
	if allow == 0 && deny == 0 {
		err = c.session().ChannelPermissionDelete(channel.ID, channel.GuildID)
	} else {
		err = c.session().ChannelPermissionSet(
			channel.ID,
			channel.GuildID,
			discordgo.PermissionOverwriteTypeRole,
			allow,
			deny,
		)
	}
	if err != nil {
		return fmt.Errorf("couldn't unlock the channel: %s", discordErrorMessage(err))
	}

	e := embed.NewEmbed().
		SetColor(unlockEmbedColor).
		SetTitle("🔓 Channel unlocked").
		SetDescription(fmt.Sprintf("This channel was unlocked by <@%s>.", c.message.Author.ID))
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return c.replyEmbed(e.MessageEmbed)
}
