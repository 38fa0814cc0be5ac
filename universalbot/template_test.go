package universalbot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"testing"
)

func testRenderContext() RenderContext {
	return RenderContext{
		MemberDisplayName: "Nicky",
		MemberUsername:    "nick",
		MemberID:          "123",
		MemberTag:         "nick",
		MemberAvatarURL:   "https://cdn.example.com/avatar.png",
		GuildName:         "Test Guild",
		GuildIconURL:      "https://cdn.example.com/icon.png",
		GuildMemberCount:  42,
	}
}

func TestRender(t *testing.T) {
	rc := testRenderContext()

	testCases := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "curly braces",
			template: "Welcome {user} to {guild}! You're member #{count}.",
			expected: "Welcome Nicky to Test Guild! You're member #42.",
		},
		{
			name:     "angle brackets",
			template: "Welcome <[@user]> to <[guild.name]>",
			expected: "Welcome <@123> to Test Guild",
		},
		{
			name:     "mixed syntax",
			template: "{mention} <[user.tag]> {user.id} <[user.avatar]>",
			expected: "<@123> nick 123 https://cdn.example.com/avatar.png",
		},
		{
			name:     "legacy tokens",
			template: "{member} {member_mention} {server}",
			expected: "nick <@123> Test Guild",
		},
		{
			name:     "name aliases",
			template: "<[@user.name]> {@user.name} <[member]>",
			expected: "Nicky Nicky nick",
		},
		{
			name:     "guild icon",
			template: "{guild.icon}",
			expected: "https://cdn.example.com/icon.png",
		},
		{
			name:     "repeated tokens",
			template: "{user}{user}{user}",
			expected: "NickyNickyNicky",
		},
		{
			name:     "unknown tokens left as-is",
			template: "{unknown} <[nope]> {user",
			expected: "{unknown} <[nope]> {user",
		},
		{
			name:     "no tokens",
			template: "hello",
			expected: "hello",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				result, ok := Render(tc.template, rc)
				assert.True(t, ok)
				assert.Equal(t, tc.expected, result)
			},
		)
	}
}

func TestRender_EmptyTemplate(t *testing.T) {
	result, ok := Render("", testRenderContext())
	assert.False(t, ok)
	assert.Equal(t, "", result)
}

func TestRender_NoReexpansion(t *testing.T) {
	rc := testRenderContext()
	rc.MemberDisplayName = "{guild} <[count]>"

	result, ok := Render("hi {user}, welcome to {guild}", rc)
	assert.True(t, ok)
	assert.Equal(t, "hi {guild} <[count]>, welcome to Test Guild", result)
}

func TestRender_EmptyValues(t *testing.T) {
	result, ok := Render("[{user}] [{mention}] [{count}]", RenderContext{})
	assert.True(t, ok)
	assert.Equal(t, "[] [] [0]", result)
}

func TestNewMemberRenderContext(t *testing.T) {
	guild := &discordgo.Guild{
		ID:          "111",
		Name:        "Test Guild",
		Icon:        "iconhash",
		MemberCount: 10,
	}
	user := &discordgo.User{
		ID:            "222",
		Username:      "nick",
		GlobalName:    "Nick Global",
		Discriminator: "0",
	}

	t.Run(
		"nickname", func(t *testing.T) {
			rc := NewMemberRenderContext(
				&discordgo.Member{User: user, Nick: "Nicky"},
				guild,
				DefaultDiscordDefaultIconURL,
			)
			assert.Equal(t, "Nicky", rc.MemberDisplayName)
			assert.Equal(t, "nick", rc.MemberUsername)
			assert.Equal(t, "222", rc.MemberID)
			assert.Equal(t, "nick", rc.MemberTag)
			assert.Equal(t, "<@222>", rc.Mention())
			assert.Equal(t, "Test Guild", rc.GuildName)
			assert.Equal(t, discordgo.EndpointGuildIcon("111", "iconhash"), rc.GuildIconURL)
			assert.Equal(t, 10, rc.GuildMemberCount)
			assert.False(t, rc.IsLeaveEvent)
			assert.NotEmpty(t, rc.MemberAvatarURL)
		},
	)

	t.Run(
		"global name", func(t *testing.T) {
			rc := NewMemberRenderContext(&discordgo.Member{User: user}, guild, "")
			assert.Equal(t, "Nick Global", rc.MemberDisplayName)
		},
	)

	t.Run(
		"username", func(t *testing.T) {
			u := *user
			u.GlobalName = ""
			rc := NewMemberRenderContext(&discordgo.Member{User: &u}, guild, "")
			assert.Equal(t, "nick", rc.MemberDisplayName)
		},
	)

	t.Run(
		"default icon and approximate count", func(t *testing.T) {
			g := &discordgo.Guild{ID: "111", Name: "No Icon", ApproximateMemberCount: 7}
			rc := NewMemberRenderContext(&discordgo.Member{User: user}, g, DefaultDiscordDefaultIconURL)
			assert.Equal(t, DefaultDiscordDefaultIconURL, rc.GuildIconURL)
			assert.Equal(t, 7, rc.GuildMemberCount)
		},
	)

	t.Run(
		"nil guild", func(t *testing.T) {
			rc := NewMemberRenderContext(&discordgo.Member{User: user}, nil, DefaultDiscordDefaultIconURL)
			assert.Equal(t, "", rc.GuildName)
			assert.Equal(t, DefaultDiscordDefaultIconURL, rc.GuildIconURL)
		},
	)
}

func TestNewLeaveRenderContext(t *testing.T) {
	user := &discordgo.User{
		ID:            "222",
		Username:      "nick",
		GlobalName:    "Nick Global",
		Discriminator: "0",
	}
	guild := &discordgo.Guild{ID: "111", Name: "Test Guild", MemberCount: 9}

	rc := NewLeaveRenderContext(user, guild, DefaultDiscordDefaultIconURL)
	assert.True(t, rc.IsLeaveEvent)
	assert.Equal(t, "nick", rc.MemberDisplayName)
	assert.Equal(t, "nick", rc.MemberUsername)
	assert.Equal(t, "<@222>", rc.Mention())

	result, ok := Render("Goodbye {user}, {guild} now has {count} members", rc)
	assert.True(t, ok)
	assert.Equal(t, "Goodbye nick, Test Guild now has 9 members", result)
}
