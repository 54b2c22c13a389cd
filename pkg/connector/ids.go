// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// AliasPrefix starts the localpart of every portal alias.
const AliasPrefix = "_discord_"

func isSnowflake(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}

// MakeAliasLocalpart creates the alias localpart of a guild channel.
func MakeAliasLocalpart(guildID, channelID string) string {
	return AliasPrefix + guildID + "_" + channelID
}

// MakeRoomAlias creates the full portal alias of a guild channel.
func MakeRoomAlias(guildID, channelID, domain string) id.RoomAlias {
	return id.RoomAlias("#" + MakeAliasLocalpart(guildID, channelID) + ":" + domain)
}

// ParseAliasLocalpart extracts the guild and channel IDs from an alias
// localpart such as "_discord_123_456".
func ParseAliasLocalpart(localpart string) (guildID, channelID string, ok bool) {
	rest, found := strings.CutPrefix(localpart, AliasPrefix)
	if !found {
		return "", "", false
	}
	guildID, channelID, found = strings.Cut(rest, "_")
	if !found || !isSnowflake(guildID) || !isSnowflake(channelID) {
		return "", "", false
	}
	return guildID, channelID, true
}

// ParseRoomAlias extracts the guild and channel IDs from a full alias on domain.
func ParseRoomAlias(alias id.RoomAlias, domain string) (guildID, channelID string, ok bool) {
	s := strings.TrimPrefix(string(alias), "#")
	localpart, server, found := strings.Cut(s, ":")
	if !found || server != domain {
		return "", "", false
	}
	return ParseAliasLocalpart(localpart)
}

// matrixQueueKey is the dispatcher key for sends into the rooms of a channel.
func matrixQueueKey(channelID string) string {
	return "matrix/" + channelID
}

// discordQueueKey is the dispatcher key for sends into a Discord channel.
func discordQueueKey(channelID string) string {
	return "discord/" + channelID
}
