// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// ThirdPartyProtocol is the protocol name the bridge registers for
// third-party network lookups.
const ThirdPartyProtocol = "discord"

// FieldType describes one lookup field.
type FieldType struct {
	Regexp      string `json:"regexp"`
	Placeholder string `json:"placeholder"`
}

// ProtocolInfo is the answer to a protocol metadata query.
type ProtocolInfo struct {
	UserFields     []string             `json:"user_fields"`
	LocationFields []string             `json:"location_fields"`
	Icon           string               `json:"icon"`
	FieldTypes     map[string]FieldType `json:"field_types"`
	Instances      []ProtocolInstance   `json:"instances"`
}

type ProtocolInstance struct {
	NetworkID string            `json:"network_id"`
	BotUserID id.UserID         `json:"bot_user_id"`
	Desc      string            `json:"desc"`
	Icon      string            `json:"icon"`
	Fields    map[string]string `json:"fields"`
}

// Location is one Matrix room matching a location query.
type Location struct {
	Alias    id.RoomAlias      `json:"alias"`
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
}

// ThirdPartyUser is one ghost matching a user query.
type ThirdPartyUser struct {
	UserID   id.UserID         `json:"userid"`
	Protocol string            `json:"protocol"`
	Fields   map[string]string `json:"fields"`
}

// Protocol returns the lookup metadata of the bridge.
func (dc *DiscordConnector) Protocol() *ProtocolInfo {
	return &ProtocolInfo{
		UserFields:     []string{"username", "discriminator"},
		LocationFields: []string{"guild_id", "channel_name"},
		FieldTypes: map[string]FieldType{
			"guild_id":      {Regexp: `\d+`, Placeholder: "81384788765712384"},
			"channel_name":  {Regexp: `[^\s]+`, Placeholder: "general"},
			"username":      {Regexp: `[^@#:]{1,32}`, Placeholder: "Username"},
			"discriminator": {Regexp: `\d{4}`, Placeholder: "1234"},
		},
		Instances: []ProtocolInstance{{
			NetworkID: ThirdPartyProtocol,
			BotUserID: dc.Matrix.Bot().UserID(),
			Desc:      "Discord",
			Fields:    map[string]string{},
		}},
	}
}

// LookupLocations finds text channels of guildID named channelName. The "#"
// prefix is optional and the comparison ignores case.
func (dc *DiscordConnector) LookupLocations(guildID, channelName string) ([]Location, error) {
	want := strings.TrimPrefix(strings.TrimSpace(channelName), "#")
	if guildID == "" || want == "" {
		return nil, errors.New("guild_id and channel_name are required")
	}
	channels, err := dc.Discord.GuildChannels(guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels of %s: %w", guildID, err)
	}
	var out []Location
	for _, channel := range channels {
		if !isTextChannel(channel) || !strings.EqualFold(channel.Name, want) {
			continue
		}
		out = append(out, Location{
			Alias:    MakeRoomAlias(guildID, channel.ID, dc.Matrix.Domain()),
			Protocol: ThirdPartyProtocol,
			Fields: map[string]string{
				"guild_id":     guildID,
				"channel_name": channel.Name,
				"channel_id":   channel.ID,
			},
		})
	}
	return out, nil
}

// LookupUsers finds members of bridged guilds by username and, optionally,
// discriminator.
func (dc *DiscordConnector) LookupUsers(ctx context.Context, username, discriminator string) ([]ThirdPartyUser, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	res, err := dc.DB.Room.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	seenGuild := make(map[string]bool)
	seenUser := make(map[string]bool)
	var out []ThirdPartyUser
	for _, entry := range res.OrEmpty() {
		if seenGuild[entry.GuildID] {
			continue
		}
		seenGuild[entry.GuildID] = true
		members, err := dc.Discord.GuildMembers(entry.GuildID)
		if err != nil {
			dc.Log.Warn().Err(err).Str("guild_id", entry.GuildID).Msg("Failed to list members for user lookup")
			continue
		}
		for _, member := range members {
			user := member.User
			if user == nil || seenUser[user.ID] || !strings.EqualFold(user.Username, username) {
				continue
			}
			if discriminator != "" && user.Discriminator != discriminator {
				continue
			}
			seenUser[user.ID] = true
			out = append(out, ThirdPartyUser{
				UserID:   dc.Identity.ResolveGhost(user.ID).UserID,
				Protocol: ThirdPartyProtocol,
				Fields: map[string]string{
					"username":      user.Username,
					"discriminator": user.Discriminator,
					"id":            user.ID,
				},
			})
		}
	}
	return out, nil
}
