package universalbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTruncateWithEllipsis(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{
			name:     "String shorter than limit",
			input:    "Short string",
			limit:    20,
			expected: "Short string",
		},
		{
			name:     "String equal to limit",
			input:    "Exactly twenty chars",
			limit:    20,
			expected: "Exactly twenty chars",
		},
		{
			name:     "String over limit",
			input:    "This string is too long",
			limit:    10,
			expected: "This st...",
		},
		{
			name:     "Multibyte characters",
			input:    "héllo wörld, héllo",
			limit:    8,
			expected: "héllo...",
		},
		{
			name:     "Tiny limit",
			input:    "abcdef",
			limit:    2,
			expected: "ab",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				result := truncateWithEllipsis(tc.input, tc.limit)
				assert.Equal(t, tc.expected, result)
				assert.LessOrEqual(t, len([]rune(result)), tc.limit)
			},
		)
	}
}

func TestGenerateRandomHexString(t *testing.T) {
	length := 32
	s, err := generateRandomHexString(length)
	require.NoError(t, err)
	assert.Len(t, s, length)

	other, err := generateRandomHexString(length)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("secret2"))
}

func TestStructToSlogValue_Redacted(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "super-secret-token"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	assert.NotContains(t, buf.String(), "super-secret-token")
	assert.NotContains(t, buf.String(), cfg.OAuth.ClientSecret)
	assert.Contains(t, buf.String(), "[redacted]")
	assert.Contains(t, buf.String(), cfg.Database)
}

func TestLoggerCtx(t *testing.T) {
	logger := slog.Default().With("test", t.Name())
	ctx := WithLogger(context.Background(), logger)
	ctxLogger, ok := ContextLogger(ctx)
	assert.True(t, ok)
	assert.Equal(t, logger, ctxLogger)

	_, ok = ContextLogger(context.Background())
	assert.False(t, ok)
}

func TestMessageAuthor(t *testing.T) {
	author := &discordgo.User{ID: "1"}
	assert.Equal(t, author, messageAuthor(&discordgo.Message{Author: author}))
	assert.Equal(
		t,
		author,
		messageAuthor(&discordgo.Message{Member: &discordgo.Member{User: author}}),
	)
	assert.Nil(t, messageAuthor(&discordgo.Message{}))
}

// testIDs holds common IDs, generated based on the current test
type testIDs struct {
	GuildID   string
	ChannelID string
	UserID    string
	Username  string
	BotUserID string
}

func newTestIDs(t testing.TB) testIDs {
	t.Helper()
	base := time.Now().UnixNano() % 1_000_000_000
	return testIDs{
		GuildID:   fmt.Sprintf("1000000000%09d", base),
		ChannelID: fmt.Sprintf("2000000000%09d", base),
		UserID:    fmt.Sprintf("3000000000%09d", base),
		Username:  fmt.Sprintf("user_%s", strings.ReplaceAll(t.Name(), "/", "_")),
		BotUserID: fmt.Sprintf("4000000000%09d", base),
	}
}

// DefaultTestConfig returns a Config with a temporary sqlite database,
// quieter log levels and placeholder credentials
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(
		tmpdir,
		fmt.Sprintf("%s.sqlite3", strings.ReplaceAll(t.Name(), "/", "_")),
	)
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Discord.Token = fmt.Sprintf("discord_token-%s", t.Name())

	cfg.OAuth.ClientID = "123456789012345678"
	cfg.OAuth.ClientSecret = fmt.Sprintf("client_secret-%s", t.Name())
	cfg.OAuth.CallbackURL = "http://127.0.0.1:3000/callback"

	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"
	cfg.API.Development = true
	cfg.API.CORS.AllowOrigins = []string{"*"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

// newTestBot returns a Bot with a migrated sqlite database and a mock
// discord session (marked connected), without calling Run
func newTestBot(t testing.TB) (*Bot, *mockDiscordSession) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard

	bot, err := New(DefaultTestConfig(t))
	require.NoError(t, err)
	require.NoError(t, bot.ValidateConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	require.NoError(t, bot.initDB(ctx))
	t.Cleanup(
		func() {
			sqlDB, _ := bot.db.DB().DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	session := newMockDiscordSession(t)
	bot.discord.session = session
	bot.discord.connected.Store(true)
	bot.dispatcher = NewDispatcher(bot.store(), session, bot.logger)
	setLoggers(t, bot)
	return bot, session
}

// newTestStore returns a KVStore backed by a temporary sqlite database
func newTestStore(t testing.TB) DBI {
	t.Helper()
	dbfile := filepath.Join(
		t.TempDir(),
		fmt.Sprintf("%s.sqlite3", strings.ReplaceAll(t.Name(), "/", "_")),
	)
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbfile)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewDatabase(db, nil, false)
}

// setLoggers adds the test name to the bot's loggers
func setLoggers(t testing.TB, bot *Bot) {
	t.Helper()
	bot.logger = bot.logger.With("test", t.Name())
	bot.discord.logger = bot.discord.logger.With("test", t.Name())
	bot.api.logger = bot.api.logger.With("test", t.Name())
}

func handleTestHTTPRequest(
	t testing.TB,
	handler gin.HandlerFunc,
	req *http.Request,
	params ...gin.Param,
) *http.Response {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	if len(params) > 0 {
		c.Params = params
	}
	handler(c)
	return w.Result()
}

// serveTestRequest sends a request through the bot's API engine, with
// the given cookies
func serveTestRequest(
	t testing.TB,
	bot *Bot,
	method string,
	path string,
	body any,
	cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoErrorf(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

type sentMessage struct {
	ChannelID string
	Message   *discordgo.MessageSend
}

// mockDiscordSession is a DiscordSessionHandler that keeps guilds,
// channels and members in memory, and records what's sent.
type mockDiscordSession struct {
	mu        sync.Mutex
	logger    *slog.Logger
	botUserID string

	guilds      map[string]*discordgo.Guild
	channels    map[string]*discordgo.Channel
	members     map[string]*discordgo.Member
	roles       map[string][]*discordgo.Role
	permissions map[string]int64

	sent      []sentMessage
	replies   []sentMessage
	roleAdds  []string
	nicknames map[string]string
	kicks     []string
	bans      []string
	unbans    []string

	// timeouts records each GuildMemberTimeout call, keyed by memberKey
	timeouts    map[string]*time.Time
	history     map[string][]*discordgo.Message
	bulkDeletes [][]string
	deleted     []string
	handlers  int
	opened    bool

	// guildFetches counts Guild calls, which may hit the REST API
	guildFetches int

	sendErr     error
	dmErr       error
	nicknameErr error
	roleAddErr  map[string]error
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelWarn)
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				os.Stdout, &tint.Options{
					Level:     logLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord_session_handler", "test", t.Name()),
		botUserID:   "999999999999999999",
		guilds:      map[string]*discordgo.Guild{},
		channels:    map[string]*discordgo.Channel{},
		members:     map[string]*discordgo.Member{},
		roles:       map[string][]*discordgo.Role{},
		permissions: map[string]int64{},
		nicknames:   map[string]string{},
		roleAddErr:  map[string]error{},
		timeouts:    map[string]*time.Time{},
		history:     map[string][]*discordgo.Message{},
	}
}

func memberKey(guildID string, userID string) string {
	return guildID + "/" + userID
}

// addGuild adds a guild with a text channel, and a member for userID
func (d *mockDiscordSession) addGuild(ids testIDs) *discordgo.Guild {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := &discordgo.Guild{
		ID:          ids.GuildID,
		Name:        "Test Guild",
		Icon:        "abcdef",
		MemberCount: 42,
	}
	d.guilds[g.ID] = g
	d.channels[ids.ChannelID] = &discordgo.Channel{
		ID:      ids.ChannelID,
		GuildID: ids.GuildID,
		Name:    "welcome",
		Type:    discordgo.ChannelTypeGuildText,
	}
	d.members[memberKey(ids.GuildID, ids.UserID)] = &discordgo.Member{
		GuildID: ids.GuildID,
		Nick:    "Nicky",
		User: &discordgo.User{
			ID:       ids.UserID,
			Username: ids.Username,
		},
	}
	d.roles[ids.GuildID] = []*discordgo.Role{
		{ID: ids.GuildID, Name: "@everyone"},
		{ID: "5000000000000000001", Name: "Member", Position: 1},
		{ID: "5000000000000000002", Name: "Bot Role", Position: 2, Managed: true},
	}
	return g
}

func (d *mockDiscordSession) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	rv := make([]sentMessage, len(d.sent))
	copy(rv, d.sent)
	return rv
}

func (d *mockDiscordSession) repliesSent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	rv := make([]sentMessage, len(d.replies))
	copy(rv, d.replies)
	return rv
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers++
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.handlers--
	}
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	if _, ok := d.channels[channelID]; !ok && !strings.HasPrefix(channelID, "dm_") {
		return nil, &discordgo.RESTError{
			Response: &http.Response{
				Status:     "404 Not Found",
				StatusCode: http.StatusNotFound,
			},
			Message: &discordgo.APIErrorMessage{
				Code:    discordgo.ErrCodeUnknownChannel,
				Message: "Unknown Channel",
			},
		}
	}
	d.sent = append(d.sent, sentMessage{ChannelID: channelID, Message: data})
	return &discordgo.Message{
		ID:        fmt.Sprintf("msg_%d", len(d.sent)),
		ChannelID: channelID,
		Content:   data.Content,
		Embeds:    data.Embeds,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.replies = append(
		d.replies,
		sentMessage{
			ChannelID: channelID,
			Message:   &discordgo.MessageSend{Content: content, Reference: reference},
		},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.dmErr != nil {
		return nil, d.dmErr
	}
	return &discordgo.Channel{ID: "dm_" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (d *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.channels[channelID]; ok {
		return c, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (d *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guildFetches++
	if g, ok := d.guilds[guildID]; ok {
		return g, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (d *mockDiscordSession) InGuild(guildID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.guilds[guildID]
	return ok
}

func (d *mockDiscordSession) GuildChannels(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rv []*discordgo.Channel
	for _, c := range d.channels {
		if c.GuildID == guildID {
			rv = append(rv, c)
		}
	}
	return rv, nil
}

func (d *mockDiscordSession) GuildRoles(
	guildID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roles[guildID], nil
}

func (d *mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.members[memberKey(guildID, userID)]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.roleAddErr[roleID]; err != nil {
		return err
	}
	d.roleAdds = append(d.roleAdds, memberKey(guildID, userID)+"/"+roleID)
	return nil
}

func (d *mockDiscordSession) GuildMemberNickname(
	guildID string,
	userID string,
	nickname string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.nicknameErr != nil {
		return d.nicknameErr
	}
	d.nicknames[memberKey(guildID, userID)] = nickname
	return nil
}

func (d *mockDiscordSession) GuildMemberDeleteWithReason(
	guildID string,
	userID string,
	reason string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicks = append(d.kicks, memberKey(guildID, userID)+": "+reason)
	return nil
}

func (d *mockDiscordSession) GuildBanCreateWithReason(
	guildID string,
	userID string,
	reason string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bans = append(d.bans, memberKey(guildID, userID)+": "+reason)
	return nil
}

func (d *mockDiscordSession) GuildBanDelete(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.bans {
		if strings.HasPrefix(b, memberKey(guildID, userID)+":") {
			d.unbans = append(d.unbans, memberKey(guildID, userID))
			return nil
		}
	}
	return &discordgo.RESTError{
		Response: &http.Response{
			Status:     "404 Not Found",
			StatusCode: http.StatusNotFound,
		},
		Message: &discordgo.APIErrorMessage{
			Code:    discordgo.ErrCodeUnknownBan,
			Message: "Unknown Ban",
		},
	}
}

func (d *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := memberKey(guildID, userID)
	d.timeouts[key] = until
	if m, ok := d.members[key]; ok {
		m.CommunicationDisabledUntil = until
	}
	return nil
}

// ChannelMessages returns up to limit messages from the channel's
// history, newest first, older than beforeID
func (d *mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var rv []*discordgo.Message
	for _, m := range d.history[channelID] {
		if beforeID != "" && m.ID >= beforeID {
			continue
		}
		rv = append(rv, m)
		if len(rv) == limit {
			break
		}
	}
	return rv, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, messageID)
	return nil
}

func (d *mockDiscordSession) ChannelMessagesBulkDelete(
	_ string,
	messages []string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bulkDeletes = append(d.bulkDeletes, messages)
	return nil
}

func (d *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channelID]
	if !ok {
		return discordgo.ErrStateNotFound
	}
	ow := &discordgo.PermissionOverwrite{ID: targetID, Type: targetType, Allow: allow, Deny: deny}
	for i, existing := range c.PermissionOverwrites {
		if existing.ID == targetID {
			c.PermissionOverwrites[i] = ow
			return nil
		}
	}
	c.PermissionOverwrites = append(c.PermissionOverwrites, ow)
	return nil
}

func (d *mockDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.channels[channelID]
	if !ok {
		return discordgo.ErrStateNotFound
	}
	kept := c.PermissionOverwrites[:0]
	for _, ow := range c.PermissionOverwrites {
		if ow.ID != targetID {
			kept = append(kept, ow)
		}
	}
	c.PermissionOverwrites = kept
	return nil
}

func (d *mockDiscordSession) UserChannelPermissions(
	userID string,
	_ string,
) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permissions[userID], nil
}

func (d *mockDiscordSession) BotUserID() string {
	return d.botUserID
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updated custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logger.Info("set log level", "level", lvl)
	return nil
}

var errMockSend = errors.New("mock send failure")
