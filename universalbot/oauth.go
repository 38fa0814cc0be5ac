package universalbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"
	"net/http"
	"strings"
)

const (
	discordOAuthAuthorizeURL = "https://discord.com/oauth2/authorize"
	discordOAuthTokenURL     = "https://discord.com/api/oauth2/token"

	// discordUserGuildsLimit is the maximum page size for the
	// current-user guilds endpoint
	discordUserGuildsLimit = 200
)

// DashboardUser is the identity of a logged-in dashboard user, as
// stored in their session
type DashboardUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// DashboardGuild is a guild the dashboard user can manage
type DashboardGuild struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Icon  string `json:"icon,omitempty"`
	Owner bool   `json:"owner"`

	// BotPresent is set when listing guilds, if the bot is a member
	BotPresent bool `json:"bot_present"`
}

// identityFetcher loads the user and their guilds for an OAuth token
type identityFetcher interface {
	FetchIdentity(
		ctx context.Context,
		token *oauth2.Token,
	) (*discordgo.User, []*discordgo.UserGuild, error)
}

// discordIdentityFetcher calls the discord API as the logged-in user
type discordIdentityFetcher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

func (f discordIdentityFetcher) FetchIdentity(
	ctx context.Context,
	token *oauth2.Token,
) (*discordgo.User, []*discordgo.UserGuild, error) {
	s, err := discordgo.New("Bearer " + token.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating user session: %w", err)
	}
	s.StateEnabled = false
	if f.httpClient != nil {
		s.Client = f.httpClient
	}

	user, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("error getting user: %w", err)
	}
	guilds, err := s.UserGuilds(
		discordUserGuildsLimit,
		"",
		"",
		false,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting user guilds: %w", err)
	}
	return user, guilds, nil
}

// newOAuthConfig builds the oauth2 config for discord login
func newOAuthConfig(cfg *OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.CallbackURL,
		Scopes:       strings.Fields(cfg.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   discordOAuthAuthorizeURL,
			TokenURL:  discordOAuthTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// canManageGuild returns true if the user owns the guild, or has
// ADMINISTRATOR or MANAGE_GUILD in it
func canManageGuild(g *discordgo.UserGuild) bool {
	if g == nil {
		return false
	}
	return g.Owner || hasPermission(g.Permissions, permissionManageGuild)
}

// manageableGuilds filters guilds down to the ones the user can manage
func manageableGuilds(guilds []*discordgo.UserGuild) []DashboardGuild {
	rv := make([]DashboardGuild, 0, len(guilds))
	for _, g := range guilds {
		if !canManageGuild(g) {
			continue
		}
		rv = append(
			rv,
			DashboardGuild{
				ID:    g.ID,
				Name:  g.Name,
				Icon:  g.Icon,
				Owner: g.Owner,
			},
		)
	}
	return rv
}

func dashboardUserGuildsKey(userID string) string {
	return "dashboard_user_" + userID + ".guilds"
}
