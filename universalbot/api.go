package universalbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	pprofPrefix = "/debug"

	apiPathLogin        = "/login"
	apiPathCallback     = "/callback"
	apiPathLogout       = "/logout"
	apiHealthCheck      = "/healthz"
	apiPrefixDashboard  = "/dashboard"
	apiPathGuild        = "/:guildId"
	apiPathNotification = "/:guildId/welcome/:type"
	apiPathTestNotify   = "/:guildId/welcome/test"
	apiPathAutoRole     = "/:guildId/autorole"
	apiPathAFK          = "/:guildId/afk"
	apiPathLogs         = "/:guildId/logs"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionName      = "session"

	sessionKeyUserID     = "user_id"
	sessionKeyUsername   = "username"
	sessionKeyAvatar     = "avatar"
	sessionKeyOAuthState = "oauth_state"

	ginKeyDashboardUser = "dashboard_user"
	ginKeyGuild         = "guild"

	defaultLogsLimit = 50
)

var (
	structValidator = validator.New()
)

// API serves the dashboard: discord OAuth login, and endpoints to view
// and change guild settings.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server.
//   - engine: Gin engine for routing HTTP requests
//   - store: CookieStore for session management.
//   - loginRequestLimiter: Rate limiter for login requests
//   - testLimiters: Per-guild rate limiters for test notifications
//   - logger: Logger for API-related events.
//   - handlers: API request handlers.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	testLimiters        map[string]*rate.Limiter
	testLimitersMu      sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store and routes, and the
// HTTP server (with TLS, if a cert and key are configured).
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 5),
		testLimiters:        map[string]*rate.Limiter{},
		logger:              newComponentLogger(defaultLogWriter, config.LogLevel, "api"),
	}
	handlers := NewAPIHandlers(b, api)
	api.handlers = handlers
	api.store = handlers.store

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{config.ExternalURL}
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
		sessions.Sessions(sessionName, handlers.store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.GET(apiPathLogin, handlers.loginHandler)
	r.GET(apiPathCallback, handlers.callbackHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)

	dashboard := r.Group(apiPrefixDashboard)
	dashboard.Use(authMiddleware())
	dashboard.GET("/", handlers.listGuilds)

	guild := dashboard.Group("")
	guild.Use(guildAccessMiddleware(b))
	guild.GET(apiPathGuild, handlers.getGuild)
	guild.PUT(apiPathNotification, handlers.saveNotification)
	guild.DELETE(apiPathNotification, handlers.deleteNotification)
	guild.POST(apiPathTestNotify, handlers.testNotification)
	guild.PUT(apiPathAutoRole, handlers.saveAutoRole)
	guild.DELETE(apiPathAutoRole, handlers.deleteAutoRole)
	guild.PUT(apiPathAFK, handlers.saveAFKSettings)
	guild.GET(apiPathLogs, handlers.getLogs)

	return api, nil
}

// Serve listens on the configured address until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// testLimiter returns the rate limiter for test notifications in guildID
func (a *API) testLimiter(guildID string) *rate.Limiter {
	a.testLimitersMu.Lock()
	defer a.testLimitersMu.Unlock()

	limiter, ok := a.testLimiters[guildID]
	if !ok {
		perMinute := a.config.TestSendsPerMinute
		if perMinute < 1 {
			perMinute = DefaultAPITestSendsPerMin
		}
		limiter = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(perMinute)),
			perMinute,
		)
		a.testLimiters[guildID] = limiter
	}
	return limiter
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
//
// Fields:
//   - b: The bot the dashboard configures
//   - api: The API server
//   - logger: Logger for API-related events.
//   - store: CookieStore for session management.
//   - oauth: Discord OAuth2 configuration
//   - identity: Looks up the user and their guilds after login
type APIHandlers struct {
	b        *Bot
	api      *API
	logger   *slog.Logger
	store    CookieStore
	oauth    *oauth2.Config
	identity identityFetcher
}

// NewAPIHandlers initializes the handlers and the session cookie store.
// If no secret is configured, a random one is generated, so sessions
// won't survive a restart.
func NewAPIHandlers(b *Bot, api *API) *APIHandlers {
	logger := api.logger

	var secretKey []byte
	switch sk := b.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   !b.config.API.Development,
			MaxAge:   int(b.config.API.SessionMaxAge.Seconds()),
			// Lax rather than Strict, so the cookie is sent when discord
			// redirects back to the callback
			SameSite: http.SameSiteLaxMode,
		},
	)

	oauthConfig := newOAuthConfig(b.config.OAuth)
	return &APIHandlers{
		b:        b,
		api:      api,
		logger:   logger,
		store:    store,
		oauth:    oauthConfig,
		identity: discordIdentityFetcher{config: oauthConfig, httpClient: b.config.HTTPClient},
	}
}

// healthCheck reports whether the discord gateway is connected
//
// Responses:
//   - 200 OK
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		healthCheckResponse{
			DiscordGatewayConnected: h.b.discord.Connected(),
			Version:                 Version,
		},
	)
}

// loginHandler redirects to discord's OAuth2 authorization page, with a
// random state saved in the session
//
// Responses:
//   - 302 Found: Redirect to discord
//   - 429 Too Many Requests
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	state := uuid.NewString()
	session := sessions.Default(c)
	session.Set(sessionKeyOAuthState, state)
	if err := session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.Redirect(http.StatusFound, h.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline))
}

// callbackHandler completes the OAuth2 flow: it exchanges the code for a
// token, looks up the user and the guilds they can manage, and starts
// a session.
//
// Responses:
//   - 302 Found: Redirect to the dashboard
//   - 400 Bad Request: Missing code, or mismatched state
//   - 502 Bad Gateway: Discord token exchange or lookup failed
func (h *APIHandlers) callbackHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)

	expectedState, _ := session.Get(sessionKeyOAuthState).(string)
	state := c.Query("state")
	code := c.Query("code")
	if expectedState == "" || state != expectedState || code == "" {
		logger.Warn("invalid oauth callback", "has_code", code != "")
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid login state"})
		return
	}
	session.Delete(sessionKeyOAuthState)

	ctx := c.Request.Context()
	if h.b.config.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, h.b.config.HTTPClient)
	}
	token, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		logger.Warn("error exchanging oauth code", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: "login failed"})
		return
	}

	user, guilds, err := h.identity.FetchIdentity(ctx, token)
	if err != nil {
		logger.Warn("error fetching discord identity", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: "login failed"})
		return
	}

	h.completeLogin(c, user, guilds)
}

// completeLogin saves the guilds the user can manage, and the user's
// identity in their session
func (h *APIHandlers) completeLogin(
	c *gin.Context,
	user *discordgo.User,
	guilds []*discordgo.UserGuild,
) {
	logger := ginContextLogger(c)
	manageable := manageableGuilds(guilds)
	if err := h.b.store().Set(
		c.Request.Context(),
		dashboardUserGuildsKey(user.ID),
		manageable,
	); err != nil {
		logger.Error("error saving user guilds", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	session := sessions.Default(c)
	session.Set(sessionKeyUserID, user.ID)
	session.Set(sessionKeyUsername, user.Username)
	session.Set(sessionKeyAvatar, user.Avatar)
	if err := session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info(
		"user logged in",
		slog.Group("user", userLogAttrs(user)...),
		"manageable_guilds", len(manageable),
	)
	c.Redirect(
		http.StatusFound,
		strings.TrimSuffix(h.b.config.API.ExternalURL, "/")+apiPrefixDashboard+"/",
	)
}

// logoutHandler clears the session
//
// Responses:
//   - 200 OK
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// listGuilds lists the guilds the user can manage, noting which ones the
// bot is in
//
// Responses:
//   - 200 OK
//   - 503 Service Unavailable: Discord isn't connected
func (h *APIHandlers) listGuilds(c *gin.Context) {
	logger := ginContextLogger(c)
	user := dashboardUser(c)
	if !h.b.discord.Connected() {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: ErrDiscordNotConnected.Error()},
		)
		return
	}

	var guilds []DashboardGuild
	if _, err := h.b.store().Get(
		c.Request.Context(),
		dashboardUserGuildsKey(user.ID),
		&guilds,
	); err != nil {
		logger.Error("error loading user guilds", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	for i := range guilds {
		guilds[i].BotPresent = h.b.discord.session.InGuild(guilds[i].ID)
	}

	if guilds == nil {
		guilds = []DashboardGuild{}
	}
	c.JSON(http.StatusOK, guildListResponse{User: user, Guilds: guilds})
}

// getGuild returns the guild's channels and roles, along with its
// notification, auto-role and AFK settings
//
// Responses:
//   - 200 OK
//   - 500 Internal Server Error
func (h *APIHandlers) getGuild(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)
	session := h.b.discord.session
	store := h.b.store()

	view := guildView{
		ID:            guild.ID,
		Name:          guild.Name,
		Icon:          guild.Icon,
		MemberCount:   guild.MemberCount,
		Notifications: map[NotificationKind]*NotificationConfig{},
		AFK:           AFKSettings{Enabled: true},
	}

	kinds := []NotificationKind{NotificationJoin, NotificationLeave, NotificationDM}
	notifications := make([]*NotificationConfig, len(kinds))

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(
		func() error {
			channels, err := session.GuildChannels(guild.ID, discordgo.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("error getting channels: %w", err)
			}
			view.Channels = textChannels(channels)
			return nil
		},
	)
	g.Go(
		func() error {
			roles, err := session.GuildRoles(guild.ID, discordgo.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("error getting roles: %w", err)
			}
			view.Roles = assignableRoles(guild.ID, roles)
			return nil
		},
	)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(
			func() error {
				cfg, found, err := LoadNotificationConfig(ctx, store, kind, guild.ID)
				if err != nil {
					return err
				}
				if found {
					notifications[i] = &cfg
				}
				return nil
			},
		)
	}
	g.Go(
		func() error {
			_, err := store.Get(ctx, autoRoleKey(guild.ID), &view.AutoRole)
			return err
		},
	)
	g.Go(
		func() error {
			settings, err := loadAFKSettings(ctx, store, guild.ID)
			view.AFK = settings
			return err
		},
	)

	if err := g.Wait(); err != nil {
		logger.Error("error loading guild", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	for i, kind := range kinds {
		view.Notifications[kind] = notifications[i]
	}
	if view.AutoRole.RoleIDs == nil {
		view.AutoRole.RoleIDs = []string{}
	}
	c.JSON(http.StatusOK, view)
}

// saveNotification replaces the notification config for the given type
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: Unknown type, invalid body, or unknown channel
func (h *APIHandlers) saveNotification(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)

	kind, err := ParseNotificationKind(c.Param("type"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiResult{Message: err.Error()})
		return
	}

	var cfg NotificationConfig
	if err = c.ShouldBindJSON(&cfg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiResult{Message: err.Error()})
		return
	}
	if !kind.sendsToChannel() {
		cfg.ChannelID = ""
	} else if channelID := cfg.destinationChannel(); channelID != "" {
		channel, chErr := h.b.discord.session.Channel(channelID)
		if chErr != nil || channel.GuildID != guild.ID {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				apiResult{Message: "Channel not found."},
			)
			return
		}
	}

	if err = SaveNotificationConfig(c.Request.Context(), h.b.store(), kind, guild.ID, cfg); err != nil {
		logger.Error("error saving notification", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	h.audit(c, AuditLogConfig, fmt.Sprintf("%s notification updated", kind))
	c.JSON(http.StatusOK, apiResult{Success: true, Message: "Saved."})
}

// deleteNotification disables the notification by removing its config
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: Unknown type
func (h *APIHandlers) deleteNotification(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)

	kind, err := ParseNotificationKind(c.Param("type"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiResult{Message: err.Error()})
		return
	}
	deleted, err := DeleteNotificationConfig(c.Request.Context(), h.b.store(), kind, guild.ID)
	if err != nil {
		logger.Error("error deleting notification", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if deleted {
		h.audit(c, AuditLogConfig, fmt.Sprintf("%s notification disabled", kind))
	}
	c.JSON(http.StatusOK, apiResult{Success: true, Message: "Disabled."})
}

// testNotification sends the given (possibly unsaved) notification to
// the requesting user's own member context
//
// Responses:
//   - 200 OK: {success: true}
//   - 400 Bad Request: Invalid body, or nothing to send
//   - 404 Not Found: Channel not found, or the user isn't a member
//   - 429 Too Many Requests
//   - 502 Bad Gateway: Discord rejected the message
func (h *APIHandlers) testNotification(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)
	user := dashboardUser(c)

	var req testNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			TestResult{Message: err.Error()},
		)
		return
	}
	kind, err := ParseNotificationKind(req.Type)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, TestResult{Message: err.Error()})
		return
	}

	if !h.api.testLimiter(guild.ID).Allow() {
		logger.Warn("test notification rate limited")
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			TestResult{Message: "Too many test messages, try again in a minute."},
		)
		return
	}

	member, err := h.b.discord.session.GuildMember(guild.ID, user.ID)
	if err != nil {
		logger.Warn("dashboard user isn't a guild member", tint.Err(err))
		member = nil
	} else if member.User == nil {
		member.User = &discordgo.User{ID: user.ID, Username: user.Username}
	}

	result := h.b.dispatcher.SendTest(
		c.Request.Context(),
		TestNotification{
			Kind:           kind,
			GuildID:        guild.ID,
			ChannelID:      req.ChannelID,
			Text:           req.Message,
			Embed:          req.EmbedData,
			Member:         member,
			Guild:          guild,
			DefaultIconURL: h.b.config.Discord.DefaultIconURL,
		},
	)
	if result.Success {
		h.audit(c, AuditLogTest, fmt.Sprintf("%s notification test sent", kind))
	}
	c.JSON(result.Status, result)
}

// saveAutoRole replaces the guild's auto-role list
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: Invalid body, or a role can't be assigned
func (h *APIHandlers) saveAutoRole(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)

	var cfg AutoRoleConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiResult{Message: err.Error()})
		return
	}

	if len(cfg.RoleIDs) > 0 {
		roles, err := h.b.discord.session.GuildRoles(guild.ID)
		if err != nil {
			logger.Error("error getting guild roles", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		valid := map[string]bool{}
		for _, r := range assignableRoles(guild.ID, roles) {
			valid[r.ID] = true
		}
		for _, id := range cfg.RoleIDs {
			if !valid[id] {
				c.AbortWithStatusJSON(
					http.StatusBadRequest,
					apiResult{Message: fmt.Sprintf("Role %s can't be assigned.", id)},
				)
				return
			}
		}
	}

	if err := h.b.store().Set(c.Request.Context(), autoRoleKey(guild.ID), cfg); err != nil {
		logger.Error("error saving auto-role", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	h.audit(c, AuditLogConfig, "auto-role updated")
	c.JSON(http.StatusOK, apiResult{Success: true, Message: "Auto-role saved."})
}

// deleteAutoRole disables auto-role for the guild
//
// Responses:
//   - 200 OK
func (h *APIHandlers) deleteAutoRole(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)

	deleted, err := h.b.store().Delete(c.Request.Context(), autoRoleKey(guild.ID))
	if err != nil {
		logger.Error("error deleting auto-role", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if deleted {
		h.audit(c, AuditLogConfig, "auto-role disabled")
	}
	c.JSON(http.StatusOK, apiResult{Success: true, Message: "Auto-role disabled."})
}

// saveAFKSettings toggles AFK tracking for the guild
//
// Responses:
//   - 200 OK
//   - 400 Bad Request
func (h *APIHandlers) saveAFKSettings(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)

	var settings AFKSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, apiResult{Message: err.Error()})
		return
	}
	if err := h.b.store().Set(c.Request.Context(), afkSettingsKey(guild.ID), settings); err != nil {
		logger.Error("error saving afk settings", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	h.audit(c, AuditLogConfig, fmt.Sprintf("AFK tracking enabled: %t", settings.Enabled))
	c.JSON(http.StatusOK, apiResult{Success: true, Message: "AFK settings saved."})
}

// getLogs returns the guild's audit log, newest first
//
// Responses:
//   - 200 OK
//   - 400 Bad Request: Invalid limit
func (h *APIHandlers) getLogs(c *gin.Context) {
	logger := ginContextLogger(c)
	guild := contextGuild(c)

	query := logsQuery{Limit: defaultLogsLimit}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit > h.b.config.AuditLogLimit {
		query.Limit = h.b.config.AuditLogLimit
	}

	logs, err := listAuditLogs(c.Request.Context(), h.b.db.DB(), guild.ID, query.Limit)
	if err != nil {
		logger.Error("error listing audit logs", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if logs == nil {
		logs = []AuditLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// audit records a dashboard action for the current guild. Errors are
// logged, as the action itself has already succeeded.
func (h *APIHandlers) audit(c *gin.Context, logType AuditLogType, message string) {
	guild := contextGuild(c)
	user := dashboardUser(c)
	entry := &AuditLog{
		GuildID: guild.ID,
		Type:    logType,
		UserID:  user.ID,
		Message: fmt.Sprintf("%s by %s", message, user.Username),
	}
	if err := recordAuditLog(
		c.Request.Context(),
		h.b.db,
		h.b.config.AuditLogLimit,
		entry,
	); err != nil {
		ginContextLogger(c).Error("error recording audit log", tint.Err(err))
	}
}

// textChannels returns the channels notifications can be sent to, in
// position order
func textChannels(channels []*discordgo.Channel) []channelView {
	rv := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			continue
		}
		rv = append(rv, channelView{ID: ch.ID, Name: ch.Name, Position: ch.Position})
	}
	return rv
}

// assignableRoles excludes @everyone and roles managed by integrations,
// which can't be assigned to members
func assignableRoles(guildID string, roles []*discordgo.Role) []roleView {
	rv := make([]roleView, 0, len(roles))
	for _, r := range roles {
		if r.ID == guildID || r.Managed {
			continue
		}
		rv = append(
			rv,
			roleView{ID: r.ID, Name: r.Name, Color: r.Color, Position: r.Position},
		)
	}
	return rv
}

// authMiddleware rejects requests without a logged-in session with
// HTTP 401. Otherwise, the session's user is set in the gin context.
func authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		userID, _ := session.Get(sessionKeyUserID).(string)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, _ := session.Get(sessionKeyUsername).(string)
		avatar, _ := session.Get(sessionKeyAvatar).(string)
		user := DashboardUser{ID: userID, Username: username, Avatar: avatar}
		c.Set(ginKeyDashboardUser, user)
		c.Set(
			string(loggerContextKey),
			ginContextLogger(c).With(slog.Group("dashboard_user", "id", user.ID, "username", user.Username)),
		)
		c.Next()
	}
}

// guildAccessMiddleware checks the dashboard user can manage the guild
// in the path, and that the bot can reach it. The guild is set in the
// gin context.
//
// Responses:
//   - 403 Forbidden: The user can't manage the guild
//   - 503 Service Unavailable: Discord isn't connected
//   - 404 Not Found: The bot isn't in the guild
func guildAccessMiddleware(b *Bot) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		guildID := c.Param("guildId")
		user := dashboardUser(c)

		allowed, err := userCanManageGuild(c.Request.Context(), b.store(), user.ID, guildID)
		if err != nil {
			logger.Error("error checking guild access", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if !allowed {
			logger.Warn("guild access denied", "guild_id", guildID)
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				apiResult{Message: "You don't have permission to manage this server."},
			)
			return
		}

		if !b.discord.Connected() {
			c.AbortWithStatusJSON(
				http.StatusServiceUnavailable,
				apiResult{Message: "The bot isn't connected to discord yet, try again shortly."},
			)
			return
		}

		guild, err := b.discord.session.Guild(guildID)
		if err != nil {
			logger.Info("guild not found", "guild_id", guildID, tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusNotFound,
				apiResult{Message: "The bot isn't in this server."},
			)
			return
		}
		c.Set(ginKeyGuild, guild)
		c.Set(string(loggerContextKey), logger.With("guild_id", guildID))
		c.Next()
	}
}

// userCanManageGuild checks the guilds saved for the user at login
func userCanManageGuild(
	ctx context.Context,
	store KVStore,
	userID string,
	guildID string,
) (bool, error) {
	var guilds []DashboardGuild
	if _, err := store.Get(ctx, dashboardUserGuildsKey(userID), &guilds); err != nil {
		return false, err
	}
	for _, g := range guilds {
		if g.ID == guildID {
			return true, nil
		}
	}
	return false, nil
}

func dashboardUser(c *gin.Context) DashboardUser {
	user, _ := c.MustGet(ginKeyDashboardUser).(DashboardUser)
	return user
}

func contextGuild(c *gin.Context) *discordgo.Guild {
	guild, _ := c.MustGet(ginKeyGuild).(*discordgo.Guild)
	return guild
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		c.Set(
			string(loggerContextKey),
			logger.With(
				slog.Group(
					"request",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"remote_ip", c.RemoteIP(),
				),
				slog.Any(xRequestIDHeader, requestID),
			),
		)
		c.Next()
		latency := time.Since(start)
		requestLogger := ginContextLogger(c)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Version                 string `json:"version"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// apiResult is the response to dashboard changes
type apiResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type guildListResponse struct {
	User   DashboardUser    `json:"user"`
	Guilds []DashboardGuild `json:"guilds"`
}

type guildView struct {
	ID            string                                   `json:"id"`
	Name          string                                   `json:"name"`
	Icon          string                                   `json:"icon,omitempty"`
	MemberCount   int                                      `json:"member_count"`
	Channels      []channelView                            `json:"channels"`
	Roles         []roleView                               `json:"roles"`
	Notifications map[NotificationKind]*NotificationConfig `json:"notifications"`
	AutoRole      AutoRoleConfig                           `json:"autorole"`
	AFK           AFKSettings                              `json:"afk"`
}

type channelView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type roleView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    int    `json:"color"`
	Position int    `json:"position"`
}

// testNotificationRequest is the body of a test notification request
type testNotificationRequest struct {
	Type      string       `json:"type" binding:"required"`
	ChannelID string       `json:"channel_id"`
	Message   string       `json:"message" binding:"max=2000"`
	EmbedData *EmbedConfig `json:"embed_data"`
}

type logsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
