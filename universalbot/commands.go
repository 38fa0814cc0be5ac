package universalbot

import (
	"context"
	"errors"
	"fmt"
	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	warnEmbedColor = 0xFFD700
	kickEmbedColor = 0xFF0000
	banEmbedColor  = 0xAA0000
	listEmbedColor = 0x40E0D0

	warnMaxAmount = 3
)

var (
	errMissingTarget = errors.New("mention a member or give their user ID")
	errSelfTarget    = errors.New("you can't target yourself")

	userMentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)
	snowflakePattern   = regexp.MustCompile(`^\d{15,21}$`)
)

// prefixCommand is a text command, invoked like "!name arg1 arg2"
type prefixCommand struct {
	name    string
	aliases []string

	// permission the author must have in the channel (or ADMINISTRATOR).
	// Zero means anyone can use the command.
	permission     int64
	permissionName string

	run func(c *commandContext) error
}

// prefixCommands returns the bot's text commands keyed by name and alias
func prefixCommands() map[string]*prefixCommand {
	cmds := []*prefixCommand{
		{name: "ping", run: commandPing},
		{name: "afk", aliases: []string{"away"}, run: commandAFK},
		{
			name:           "warn",
			permission:     permissionModerateMembers,
			permissionName: "Moderate Members",
			run:            commandWarn,
		},
		{name: "warnlist", aliases: []string{"warnings"}, run: commandWarnList},
		{
			name:           "kick",
			permission:     permissionKickMembers,
			permissionName: "Kick Members",
			run:            commandKick,
		},
		{
			name:           "ban",
			permission:     permissionBanMembers,
			permissionName: "Ban Members",
			run:            commandBan,
		},
		{
			name:           "unban",
			permission:     permissionBanMembers,
			permissionName: "Ban Members",
			run:            commandUnban,
		},
		{
			name:           "mute",
			aliases:        []string{"timeout"},
			permission:     permissionModerateMembers,
			permissionName: "Moderate Members",
			run:            commandMute,
		},
		{
			name:           "unmute",
			permission:     permissionModerateMembers,
			permissionName: "Moderate Members",
			run:            commandUnmute,
		},
		{
			name:           "clear",
			aliases:        []string{"purge"},
			permission:     permissionManageMessages,
			permissionName: "Manage Messages",
			run:            commandClear,
		},
		{
			name:           "lock",
			permission:     permissionManageChannels,
			permissionName: "Manage Channels",
			run:            commandLock,
		},
		{
			name:           "unlock",
			permission:     permissionManageChannels,
			permissionName: "Manage Channels",
			run:            commandUnlock,
		},
	}
	m := make(map[string]*prefixCommand, len(cmds)*2)
	for _, c := range cmds {
		m[c.name] = c
		for _, alias := range c.aliases {
			m[alias] = c
		}
	}
	return m
}

// parseCommand splits a message into a lowercased command name and its
// arguments. ok is false if content doesn't start with prefix.
func parseCommand(prefix string, content string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// commandContext carries a single command invocation
type commandContext struct {
	ctx     context.Context
	bot     *Bot
	command *prefixCommand
	message *discordgo.Message
	args    []string
	logger  *slog.Logger
}

func (c *commandContext) session() DiscordSessionHandler {
	return c.bot.discord.session
}

// member returns the author as a guild member. Gateway messages carry a
// partial member without the user attached.
func (c *commandContext) member() *discordgo.Member {
	member := &discordgo.Member{GuildID: c.message.GuildID}
	if c.message.Member != nil {
		m := *c.message.Member
		member = &m
	}
	member.User = c.message.Author
	return member
}

func (c *commandContext) reply(content string) error {
	_, err := c.session().ChannelMessageSendReply(
		c.message.ChannelID,
		content,
		c.message.Reference(),
	)
	return err
}

func (c *commandContext) replyEmbed(e *discordgo.MessageEmbed) error {
	_, err := c.session().ChannelMessageSendComplex(
		c.message.ChannelID,
		&discordgo.MessageSend{
			Embeds:    []*discordgo.MessageEmbed{e},
			Reference: c.message.Reference(),
		},
	)
	return err
}

// target resolves the member a moderation command is aimed at, from a
// mention or a raw user ID in the first argument
func (c *commandContext) target() (*discordgo.User, error) {
	if len(c.args) == 0 {
		return nil, errMissingTarget
	}
	userID, ok := parseUserID(c.args[0])
	if !ok {
		return nil, errMissingTarget
	}
	if userID == c.message.Author.ID {
		return nil, errSelfTarget
	}
	for _, u := range c.message.Mentions {
		if u != nil && u.ID == userID {
			return u, nil
		}
	}
	member, err := c.session().GuildMember(c.message.GuildID, userID)
	if err != nil || member.User == nil {
		return nil, fmt.Errorf("member %s not found", userID)
	}
	return member.User, nil
}

// parseUserID returns the user ID from a mention or a raw ID
func parseUserID(arg string) (string, bool) {
	if match := userMentionPattern.FindStringSubmatch(arg); match != nil {
		arg = match[1]
	}
	return arg, snowflakePattern.MatchString(arg)
}

// reasonFrom joins the arguments starting at index i into a reason
func (c *commandContext) reasonFrom(i int) string {
	if len(c.args) <= i {
		return "No reason given."
	}
	return strings.Join(c.args[i:], " ")
}

// handleMessage handles a message received in a guild: AFK tracking,
// then prefix commands
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.GuildID == "" {
		return
	}
	author := messageAuthor(m)
	if author == nil || author.Bot {
		return
	}
	m.Author = author

	name, args, isCommand := parseCommand(b.config.Discord.CommandPrefix, m.Content)
	var cmd *prefixCommand
	if isCommand {
		cmd = b.commands[name]
	}

	b.handleAFKMessage(ctx, m, cmd != nil && cmd.name == "afk")

	if cmd == nil {
		return
	}
	b.runCommand(ctx, cmd, m, args)
}

func (b *Bot) runCommand(
	ctx context.Context,
	cmd *prefixCommand,
	m *discordgo.Message,
	args []string,
) {
	logger := b.logger.With(
		"command", cmd.name,
		slog.Group("message", messageLogAttrs(m)...),
	)
	c := &commandContext{
		ctx:     ctx,
		bot:     b,
		command: cmd,
		message: m,
		args:    args,
		logger:  logger,
	}

	if cmd.permission != 0 {
		perms, err := b.discord.session.UserChannelPermissions(m.Author.ID, m.ChannelID)
		if err != nil {
			logger.WarnContext(ctx, "unable to check permissions", tint.Err(err))
			return
		}
		if !hasPermission(perms, cmd.permission) {
			_ = c.reply(
				fmt.Sprintf(
					"❌ You need the **%s** permission to use this command.",
					cmd.permissionName,
				),
			)
			return
		}
	}

	start := time.Now()
	if err := cmd.run(c); err != nil {
		logger.WarnContext(ctx, "command failed", tint.Err(err))
		_ = c.reply("❌ " + err.Error())
		return
	}
	logger.InfoContext(ctx, "ran command", "duration", time.Since(start))
}

func commandPing(c *commandContext) error {
	latency := time.Since(c.message.Timestamp).Round(time.Millisecond)
	return c.reply(fmt.Sprintf("🏓 Pong! (%s)", latency))
}

// WarningRecord is the stored warning history for a member
type WarningRecord struct {
	Total    int       `json:"total"`
	Warnings []Warning `json:"warnings,omitempty"`
}

type Warning struct {
	ModeratorID string    `json:"moderator_id"`
	Amount      int       `json:"amount"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

func warningsKey(guildID string, userID string) string {
	return guildKey(guildID, "warnings", userID)
}

// commandWarn adds 1-3 warnings to a member and DMs them about it
func commandWarn(c *commandContext) error {
	target, err := c.target()
	if err != nil {
		return err
	}
	if len(c.args) < 2 {
		return fmt.Errorf("usage: warn <@member> <1-%d> [reason]", warnMaxAmount)
	}
	amount, err := strconv.Atoi(c.args[1])
	if err != nil || amount < 1 || amount > warnMaxAmount {
		return fmt.Errorf("the number of warnings must be between 1 and %d", warnMaxAmount)
	}
	reason := c.reasonFrom(2)
	guildID := c.message.GuildID

	var record WarningRecord
	key := warningsKey(guildID, target.ID)
	if _, err = c.bot.store().Get(c.ctx, key, &record); err != nil {
		return fmt.Errorf("error loading warnings: %w", err)
	}
	record.Total += amount
	record.Warnings = append(
		record.Warnings,
		Warning{
			ModeratorID: c.message.Author.ID,
			Amount:      amount,
			Reason:      reason,
			CreatedAt:   time.Now().UTC(),
		},
	)
	if err = c.bot.store().Set(c.ctx, key, record); err != nil {
		return fmt.Errorf("error saving warnings: %w", err)
	}

	guildName := guildID
	if g, gErr := c.session().Guild(guildID); gErr == nil {
		guildName = g.Name
	}

	dmEmbed := embed.NewEmbed().
		SetColor(warnEmbedColor).
		SetTitle("⚠️ You received a warning").
		SetDescription(
			fmt.Sprintf(
				"You received **%d** warning(s) in **%s**.\n\n**Reason:** %s\n**Total warnings:** %d",
				amount, guildName, reason, record.Total,
			),
		)
	dmEmbed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if dm, dmErr := c.session().UserChannelCreate(target.ID); dmErr == nil {
		_, dmErr = c.session().ChannelMessageSendComplex(
			dm.ID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{dmEmbed.MessageEmbed}},
		)
		if dmErr != nil {
			c.logger.InfoContext(c.ctx, "unable to DM warned member", tint.Err(dmErr))
		}
	} else {
		c.logger.InfoContext(c.ctx, "unable to DM warned member", tint.Err(dmErr))
	}

	e := embed.NewEmbed().
		SetColor(warnEmbedColor).
		SetDescription(
			fmt.Sprintf(
				"✅ **%s** received **%d** warning(s) from %s.\n\nTotal warnings: **%d**\nReason: `%s`",
				target.String(), amount, c.message.Author.String(), record.Total, reason,
			),
		)
	return c.replyEmbed(e.MessageEmbed)
}

// commandWarnList shows the warning total for the mentioned member, or
// the author
func commandWarnList(c *commandContext) error {
	target := c.message.Author
	if len(c.args) > 0 {
		t, err := c.target()
		switch {
		case errors.Is(err, errSelfTarget):
		case err != nil:
			return err
		default:
			target = t
		}
	}

	var record WarningRecord
	if _, err := c.bot.store().Get(
		c.ctx,
		warningsKey(c.message.GuildID, target.ID),
		&record,
	); err != nil {
		return fmt.Errorf("error loading warnings: %w", err)
	}

	e := embed.NewEmbed().
		SetColor(listEmbedColor).
		SetTitle("📜 Warnings for " + target.String()).
		SetDescription(
			fmt.Sprintf("**%s** has **%d** warning(s).", target.String(), record.Total),
		).
		SetThumbnail(target.AvatarURL(""))
	last := len(record.Warnings) - 5
	if last < 0 {
		last = 0
	}
	for i := len(record.Warnings) - 1; i >= last; i-- {
		w := record.Warnings[i]
		e.AddField(
			fmt.Sprintf("%d warning(s), <t:%d:d>", w.Amount, w.CreatedAt.Unix()),
			fmt.Sprintf("%s (by <@%s>)", truncateWithEllipsis(w.Reason, 200), w.ModeratorID),
		)
	}
	return c.replyEmbed(e.MessageEmbed)
}

// moderationEmbed describes a completed kick or ban
func moderationEmbed(
	title string,
	color int,
	target *discordgo.User,
	moderator *discordgo.User,
	reason string,
	guildName string,
) *discordgo.MessageEmbed {
	e := embed.NewEmbed().
		SetColor(color).
		SetTitle(title).
		AddField("User", fmt.Sprintf("%s (%s)", target.String(), target.ID)).
		AddField("Moderator", moderator.String()).
		AddField("Reason", reason).
		SetFooter(guildName)
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return e.MessageEmbed
}

func commandKick(c *commandContext) error {
	target, err := c.target()
	if err != nil {
		return err
	}
	reason := c.reasonFrom(1)
	guildID := c.message.GuildID
	if err = c.session().GuildMemberDeleteWithReason(guildID, target.ID, reason); err != nil {
		return fmt.Errorf("couldn't kick %s: %s", target.String(), discordErrorMessage(err))
	}
	var guildName string
	if g, gErr := c.session().Guild(guildID); gErr == nil {
		guildName = g.Name
	}
	return c.replyEmbed(
		moderationEmbed("👢 Member kicked", kickEmbedColor, target, c.message.Author, reason, guildName),
	)
}

func commandBan(c *commandContext) error {
	target, err := c.target()
	if err != nil {
		return err
	}
	reason := c.reasonFrom(1)
	guildID := c.message.GuildID
	if err = c.session().GuildBanCreateWithReason(guildID, target.ID, reason, 0); err != nil {
		return fmt.Errorf("couldn't ban %s: %s", target.String(), discordErrorMessage(err))
	}
	var guildName string
	if g, gErr := c.session().Guild(guildID); gErr == nil {
		guildName = g.Name
	}
	return c.replyEmbed(
		moderationEmbed("🔨 Member banned", banEmbedColor, target, c.message.Author, reason, guildName),
	)
}
