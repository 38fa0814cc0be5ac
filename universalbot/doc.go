// Package universalbot implements a general-purpose Discord community bot,
// configured per guild from a web dashboard.
//
// Guild managers log in to the dashboard with Discord OAuth2, and can
// configure, for each guild they manage:
//
//   - Join, leave and DM notifications: a text template and/or an embed,
//     rendered for the member the event is about.
//   - Auto-role: roles assigned to every member who joins.
//   - AFK tracking, toggled on or off.
//
// Notification templates accept placeholders in either of two syntaxes,
// ex: {user.mention} or <[user.mention]>, replaced with values from a
// RenderContext. The dashboard can send a test notification, rendered
// for the logged-in user, before the settings are saved.
//
// The bot also handles a few prefix commands in guild text channels:
//
//   - !ping: Replies with the message latency.
//   - !afk [reason]: Marks the author away, until their next message.
//   - !warn, !warnings: Moderator warnings, stored per member.
//   - !kick, !ban: Remove a member, with a reason.
//
// Settings are stored as JSON documents in a key/value table (sqlite or
// postgres, via GORM), keyed by guild.
package universalbot
