package universalbot

import (
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
)

// RenderContext holds the values available to notification templates.
// It's built fresh for each event and isn't persisted.
type RenderContext struct {
	MemberDisplayName string
	MemberUsername    string
	MemberID          string
	MemberTag         string
	MemberAvatarURL   string
	GuildName         string
	GuildIconURL      string
	GuildMemberCount  int

	// IsLeaveEvent is set when the context was built from the cached
	// user of a member who already left the guild
	IsLeaveEvent bool
}

// Mention returns the member's mention markup, ex: <@123>
func (rc RenderContext) Mention() string {
	if rc.MemberID == "" {
		return ""
	}
	return "<@" + rc.MemberID + ">"
}

// NewMemberRenderContext builds a RenderContext for a member who is
// currently in the guild. defaultIconURL is used for the guild icon when
// the guild doesn't have one.
func NewMemberRenderContext(
	member *discordgo.Member,
	guild *discordgo.Guild,
	defaultIconURL string,
) RenderContext {
	rc := RenderContext{}
	if member != nil && member.User != nil {
		rc.MemberDisplayName = memberDisplayName(member)
		rc.MemberUsername = member.User.Username
		rc.MemberAvatarURL = member.AvatarURL("")
		rc.MemberID = member.User.ID
		rc.MemberTag = member.User.String()
	}
	setGuildRenderContext(&rc, guild, defaultIconURL)
	return rc
}

// NewLeaveRenderContext builds a RenderContext for a member who has left
// the guild. Only the cached user is available at that point, so the
// display name is the plain username rather than a guild nickname.
func NewLeaveRenderContext(
	user *discordgo.User,
	guild *discordgo.Guild,
	defaultIconURL string,
) RenderContext {
	rc := RenderContext{IsLeaveEvent: true}
	if user != nil {
		rc.MemberDisplayName = user.Username
		rc.MemberUsername = user.Username
		rc.MemberID = user.ID
		rc.MemberTag = user.String()
		rc.MemberAvatarURL = user.AvatarURL("")
	}
	setGuildRenderContext(&rc, guild, defaultIconURL)
	return rc
}

// memberDisplayName returns the member's guild nickname, falling back to
// their global display name, then their username
func memberDisplayName(member *discordgo.Member) string {
	switch {
	case member.Nick != "":
		return member.Nick
	case member.User.GlobalName != "":
		return member.User.GlobalName
	default:
		return member.User.Username
	}
}

func setGuildRenderContext(rc *RenderContext, guild *discordgo.Guild, defaultIconURL string) {
	rc.GuildIconURL = defaultIconURL
	if guild == nil {
		return
	}
	rc.GuildName = guild.Name
	if guild.Icon != "" {
		rc.GuildIconURL = discordgo.EndpointGuildIcon(guild.ID, guild.Icon)
	}
	rc.GuildMemberCount = guild.MemberCount
	if rc.GuildMemberCount == 0 {
		rc.GuildMemberCount = guild.ApproximateMemberCount
	}
}

// templateTokens maps each supported token name to the RenderContext
// value it's replaced with. Every name is recognized both as {name}
// and <[name]>.
var templateTokens = []struct {
	names []string
	value func(rc RenderContext) string
}{
	{
		names: []string{"user", "@user.name"},
		value: func(rc RenderContext) string { return rc.MemberDisplayName },
	},
	{
		// the plain username, ignoring any guild nickname
		names: []string{"member"},
		value: func(rc RenderContext) string { return rc.MemberUsername },
	},
	{
		names: []string{"mention", "@user", "member_mention"},
		value: RenderContext.Mention,
	},
	{
		names: []string{"user.id"},
		value: func(rc RenderContext) string { return rc.MemberID },
	},
	{
		names: []string{"user.tag"},
		value: func(rc RenderContext) string { return rc.MemberTag },
	},
	{
		names: []string{"user.avatar"},
		value: func(rc RenderContext) string { return rc.MemberAvatarURL },
	},
	{
		names: []string{"guild", "guild.name", "server"},
		value: func(rc RenderContext) string { return rc.GuildName },
	},
	{
		names: []string{"guild.icon"},
		value: func(rc RenderContext) string { return rc.GuildIconURL },
	},
	{
		names: []string{"count"},
		value: func(rc RenderContext) string { return strconv.Itoa(rc.GuildMemberCount) },
	},
}

// replacer returns a strings.Replacer which substitutes every supported
// token with its value from rc
func (rc RenderContext) replacer() *strings.Replacer {
	oldnew := make([]string, 0, len(templateTokens)*12)
	for _, token := range templateTokens {
		value := token.value(rc)
		for _, name := range token.names {
			oldnew = append(
				oldnew,
				"{"+name+"}", value,
				"<["+name+"]>", value,
			)
		}
	}
	return strings.NewReplacer(oldnew...)
}

// Render substitutes recognized tokens in template with values from rc.
// Unknown tokens are left as-is, and substituted values aren't expanded
// again. The returned bool is false when template is empty, meaning
// no message is configured.
func Render(template string, rc RenderContext) (string, bool) {
	if template == "" {
		return "", false
	}
	return rc.replacer().Replace(template), true
}

// renderField is Render for optional fields, where an empty template
// just yields an empty string
func renderField(r *strings.Replacer, template string) string {
	if template == "" {
		return ""
	}
	return r.Replace(template)
}
