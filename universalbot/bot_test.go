package universalbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"missing token", func(cfg *Config) { cfg.Discord.Token = "" }},
		{"missing client id", func(cfg *Config) { cfg.OAuth.ClientID = "" }},
		{"missing client secret", func(cfg *Config) { cfg.OAuth.ClientSecret = "" }},
		{"invalid callback", func(cfg *Config) { cfg.OAuth.CallbackURL = "not a url" }},
		{"empty prefix", func(cfg *Config) { cfg.Discord.CommandPrefix = "" }},
		{"session max age", func(cfg *Config) { cfg.API.SessionMaxAge = time.Minute }},
		{"test sends", func(cfg *Config) { cfg.API.TestSendsPerMinute = 0 }},
		{"audit log limit", func(cfg *Config) { cfg.AuditLogLimit = 0 }},
		{"listen network", func(cfg *Config) { cfg.API.ListenNetwork = "udp" }},
	}

	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, bot.ValidateConfig())

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestBot_RunStop(t *testing.T) {
	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	setLoggers(t, bot)

	session := newMockDiscordSession(t)
	bot.discord.session = session

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bot.api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err = <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	session.mu.Lock()
	assert.True(t, session.opened)
	assert.Equal(t, 6, session.handlers)
	session.mu.Unlock()
	require.NotNil(t, bot.dispatcher)

	resp, err := http.Get(fmt.Sprintf("http://%s%s", ln.Addr().String(), apiHealthCheck))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bot.Stop()
	select {
	case err = <-runErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	<-bot.eventShutdown

	session.mu.Lock()
	assert.False(t, session.opened)
	assert.Equal(t, 0, session.handlers)
	session.mu.Unlock()
	assert.False(t, bot.discord.Connected())
}

func TestBot_RunInvalidConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)
	cfg.Discord.Token = ""

	assert.Error(t, bot.Run(context.Background()))
}

func TestHandleMemberAdd(t *testing.T) {
	bot, session := newTestBot(t)
	ids := newTestIDs(t)
	session.addGuild(ids)
	ctx := context.Background()

	require.NoError(
		t,
		SaveNotificationConfig(
			ctx, bot.store(), NotificationJoin, ids.GuildID,
			NotificationConfig{Enabled: true, ChannelID: ids.ChannelID, Text: "Welcome {mention} to {guild}!"},
		),
	)
	require.NoError(
		t,
		SaveNotificationConfig(
			ctx, bot.store(), NotificationDM, ids.GuildID,
			NotificationConfig{Enabled: true, Text: "Thanks for joining, {user}. We're at {count}."},
		),
	)
	require.NoError(
		t,
		bot.store().Set(ctx, autoRoleKey(ids.GuildID), AutoRoleConfig{RoleIDs: []string{"5000000000000000001"}}),
	)

	bot.handleMemberAdd(ctx, testMember(ids))

	session.mu.Lock()
	assert.Equal(
		t,
		[]string{memberKey(ids.GuildID, ids.UserID) + "/5000000000000000001"},
		session.roleAdds,
	)
	session.mu.Unlock()

	sent := session.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, ids.ChannelID, sent[0].ChannelID)
	assert.Equal(t, "Welcome <@"+ids.UserID+"> to Test Guild!", sent[0].Message.Content)
	assert.Equal(t, "dm_"+ids.UserID, sent[1].ChannelID)
	assert.Equal(t, "Thanks for joining, Nicky. We're at 42.", sent[1].Message.Content)
}

func TestHandleMemberAdd_BotMember(t *testing.T) {
	bot, session := newTestBot(t)
	ids := newTestIDs(t)
	session.addGuild(ids)
	ctx := context.Background()

	for _, kind := range []NotificationKind{NotificationJoin, NotificationDM} {
		require.NoError(
			t,
			SaveNotificationConfig(
				ctx, bot.store(), kind, ids.GuildID,
				NotificationConfig{Enabled: true, ChannelID: ids.ChannelID, Text: "hi {user}"},
			),
		)
	}

	member := testMember(ids)
	member.User.Bot = true
	bot.handleMemberAdd(ctx, member)

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, ids.ChannelID, sent[0].ChannelID)
}

func TestHandleMemberRemove(t *testing.T) {
	bot, session := newTestBot(t)
	ids := newTestIDs(t)
	session.addGuild(ids)
	ctx := context.Background()

	require.NoError(
		t,
		SaveNotificationConfig(
			ctx, bot.store(), NotificationLeave, ids.GuildID,
			NotificationConfig{
				Enabled:   true,
				ChannelID: ids.ChannelID,
				Embed:     &EmbedConfig{Enabled: true, Description: "<[user]> left {guild}"},
			},
		),
	)
	require.NoError(
		t,
		bot.store().Set(ctx, afkKey(ids.GuildID, ids.UserID), AFKStatus{Reason: "brb", Since: time.Now()}),
	)

	bot.handleMemberRemove(ctx, testMember(ids))

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Message.Embeds, 1)
	// leave events use the username, not the guild nickname
	assert.Equal(t, ids.Username+" left Test Guild", sent[0].Message.Embeds[0].Description)

	found, err := bot.store().Get(ctx, afkKey(ids.GuildID, ids.UserID), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandleMemberEvents_Nil(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()

	assert.NotPanics(
		t, func() {
			bot.handleMemberAdd(ctx, nil)
			bot.handleMemberAdd(ctx, &discordgo.Member{})
			bot.handleMemberRemove(ctx, nil)
			bot.handleMemberRemove(ctx, &discordgo.Member{})
		},
	)
	assert.Empty(t, session.sentMessages())
}

func TestGuildForEvent_Unknown(t *testing.T) {
	bot, _ := newTestBot(t)
	g := bot.guildForEvent(context.Background(), "8000000000000000001")
	require.NotNil(t, g)
	assert.Equal(t, "8000000000000000001", g.ID)
	assert.Empty(t, g.Name)
}

func TestDiscordHandlers_MemberAdd(t *testing.T) {
	bot, session := newTestBot(t)
	ids := newTestIDs(t)
	session.addGuild(ids)
	ctx := context.Background()

	require.NoError(
		t,
		SaveNotificationConfig(
			ctx, bot.store(), NotificationJoin, ids.GuildID,
			NotificationConfig{Enabled: true, ChannelID: ids.ChannelID, Text: "hi {user}"},
		),
	)

	wg := &sync.WaitGroup{}
	var handled bool
	for _, h := range bot.discord.handlers(ctx, wg) {
		if f, ok := h.(func(*discordgo.Session, *discordgo.GuildMemberAdd)); ok {
			f(nil, &discordgo.GuildMemberAdd{Member: testMember(ids)})
			handled = true
		}
	}
	require.True(t, handled)
	wg.Wait()

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hi Nicky", sent[0].Message.Content)
}

func TestDiscordHandlers_ConnectDisconnect(t *testing.T) {
	bot, _ := newTestBot(t)
	d := bot.discord
	d.connected.Store(false)

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.Connected())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.Connected())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestHandleRecover(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := WithLogger(context.Background(), bot.logger)

	assert.NotPanics(
		t, func() {
			bot.handleRecover(ctx, errors.New("oops"))
			bot.handleRecover(ctx, "oops")
			bot.handleRecover(context.Background(), 42)
		},
	)
}
