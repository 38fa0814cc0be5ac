package universalbot

import (
	embed "github.com/Clinet/discordgo-embed"
	"github.com/bwmarrin/discordgo"
	"strconv"
	"strings"
)

// DefaultEmbedColor is used when an embed's color is unset or can't be parsed
const DefaultEmbedColor = 0x5865F2

// discord's embed field limits, in characters
const (
	embedTitleLimit       = 256
	embedDescriptionLimit = 4096
	embedAuthorLimit      = 256
	embedFooterLimit      = 2048
)

// EmbedConfig is the dashboard-authored description of a rich message.
// Every text field may contain template tokens.
//
//nolint:lll // can't break tags
type EmbedConfig struct {
	Enabled       bool   `json:"enabled"`
	Color         string `json:"color,omitempty" binding:"omitempty,max=16"`
	Title         string `json:"title,omitempty" binding:"omitempty,max=256"`
	Description   string `json:"description,omitempty" binding:"omitempty,max=4096"`
	AuthorName    string `json:"author_name,omitempty" binding:"omitempty,max=256"`
	AuthorIconURL string `json:"author_icon_url,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
	FooterText    string `json:"footer_text,omitempty" binding:"omitempty,max=2048"`
	FooterIconURL string `json:"footer_icon_url,omitempty"`
}

// hasContent reports whether the embed has at least one of the fields
// discord requires for a non-empty embed
func (e *EmbedConfig) hasContent() bool {
	return e.Title != "" ||
		e.Description != "" ||
		e.ImageURL != "" ||
		e.ThumbnailURL != ""
}

// BuildEmbed renders cfg against rc. It returns nil if cfg is nil or
// disabled, or if it has no title, description, image or thumbnail.
// Rendered text fields are cut to discord's character limits.
func BuildEmbed(cfg *EmbedConfig, rc RenderContext) *discordgo.MessageEmbed {
	if cfg == nil || !cfg.Enabled || !cfg.hasContent() {
		return nil
	}

	r := rc.replacer()
	e := embed.NewEmbed().SetColor(parseColor(cfg.Color))

	if cfg.AuthorName != "" {
		iconURL := renderField(r, cfg.AuthorIconURL)
		if iconURL == "" {
			iconURL = rc.MemberAvatarURL
		}
		e.Author = &discordgo.MessageEmbedAuthor{
			Name:    truncate(renderField(r, cfg.AuthorName), embedAuthorLimit),
			IconURL: iconURL,
		}
	}
	if cfg.Title != "" {
		e.Title = truncate(renderField(r, cfg.Title), embedTitleLimit)
	}
	if cfg.Description != "" {
		e.Description = truncate(renderField(r, cfg.Description), embedDescriptionLimit)
	}
	if cfg.ImageURL != "" {
		e.SetImage(renderField(r, cfg.ImageURL))
	}
	if cfg.ThumbnailURL != "" {
		e.SetThumbnail(renderField(r, cfg.ThumbnailURL))
	}
	if cfg.FooterText != "" {
		iconURL := renderField(r, cfg.FooterIconURL)
		if iconURL == "" {
			iconURL = rc.GuildIconURL
		}
		e.Footer = &discordgo.MessageEmbedFooter{
			Text:    truncate(renderField(r, cfg.FooterText), embedFooterLimit),
			IconURL: iconURL,
		}
	}
	return e.MessageEmbed
}

// parseColor parses a hex color string (#RRGGBB, RRGGBB, 0xRRGGBB or
// #RGB) to its integer value. Invalid or empty input yields
// DefaultEmbedColor.
func parseColor(s string) int {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "#"):
		s = s[1:]
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	}

	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return DefaultEmbedColor
	}

	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return DefaultEmbedColor
	}
	return int(v)
}
