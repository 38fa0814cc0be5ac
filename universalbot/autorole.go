package universalbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// AutoRoleConfig lists the roles assigned to every member who joins
type AutoRoleConfig struct {
	RoleIDs []string `json:"role_ids" binding:"max=25,dive,required,numeric"`
}

// roleAdder is the subset of DiscordSessionHandler used to assign roles
type roleAdder interface {
	GuildMemberRoleAdd(guildID string, userID string, roleID string, options ...discordgo.RequestOption) error
}

func autoRoleKey(guildID string) string {
	return guildKey(guildID, "autorole")
}

// assignAutoRoles adds each configured auto-role to the member. Failures
// (ex: the role is above the bot's highest role) are logged and skipped.
func assignAutoRoles(
	ctx context.Context,
	store KVStore,
	session roleAdder,
	logger *slog.Logger,
	guildID string,
	userID string,
) {
	var cfg AutoRoleConfig
	found, err := store.Get(ctx, autoRoleKey(guildID), &cfg)
	if err != nil {
		logger.ErrorContext(ctx, "error loading auto-role config", tint.Err(err))
		return
	}
	if !found {
		return
	}
	for _, roleID := range cfg.RoleIDs {
		if roleID == "" || roleID == channelNone {
			continue
		}
		if err = session.GuildMemberRoleAdd(guildID, userID, roleID); err != nil {
			logger.WarnContext(
				ctx,
				"unable to assign auto-role",
				tint.Err(err),
				"guild_id", guildID,
				"user_id", userID,
				"role_id", roleID,
			)
			continue
		}
		logger.InfoContext(
			ctx,
			"assigned auto-role",
			"guild_id", guildID,
			"user_id", userID,
			"role_id", roleID,
		)
	}
}
