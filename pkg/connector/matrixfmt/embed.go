// Copyright 2024-2026 Aiku AI

package matrixfmt

import (
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/id"
)

// Discord rejects author and webhook names outside this range.
const (
	minUsernameLength = 2
	maxUsernameLength = 32
)

// Author identifies the Matrix sender on Discord.
type Author struct {
	Name    string
	IconURL string
	URL     string
}

// EmbedAuthor picks the name shown for a Matrix sender: the displayname when
// Discord accepts its length, otherwise the truncated user id.
func EmbedAuthor(sender id.UserID, displayname, avatarHTTP string) Author {
	name := displayname
	if n := utf8.RuneCountInString(name); n < minUsernameLength || n > maxUsernameLength {
		name = truncateRunes(string(sender), maxUsernameLength)
	}
	return Author{
		Name:    name,
		IconURL: avatarHTTP,
		URL:     "https://matrix.to/#/" + string(sender),
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Embed is the rich message sent when no webhook is available.
func Embed(author Author, description string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    author.Name,
			IconURL: author.IconURL,
			URL:     author.URL,
		},
		Description: description,
	}
}
