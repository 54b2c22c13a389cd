// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

// Default power levels of Matrix rooms that lack explicit values.
const (
	defaultStateLevel = 50
	defaultUserLevel  = 0
)

// ErrUnknownAlias is returned for aliases outside the portal namespace or
// pointing at channels the bot cannot see.
var ErrUnknownAlias = errors.New("alias does not name a bridgeable channel")

func portalPowerLevels(bot id.UserID) *event.PowerLevelsEventContent {
	stateDefault := defaultStateLevel
	return &event.PowerLevelsEventContent{
		Users:           map[id.UserID]int{bot: 100},
		UsersDefault:    defaultUserLevel,
		StateDefaultPtr: &stateDefault,
	}
}

// isTextChannel reports whether messages can be bridged from channel.
func isTextChannel(channel *discordgo.Channel) bool {
	return channel.Type == discordgo.ChannelTypeGuildText || channel.Type == discordgo.ChannelTypeGuildNews
}

// CreatePortal answers an alias query for "#_discord_<guild>_<channel>" by
// creating a public room with that alias and mapping it to the channel.
func (dc *DiscordConnector) CreatePortal(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	guildID, channelID, ok := ParseRoomAlias(alias, dc.Matrix.Domain())
	if !ok {
		return "", ErrUnknownAlias
	}
	log := dc.Log.With().Str("alias", string(alias)).Logger()

	channel, err := dc.Discord.Channel(channelID)
	if err != nil {
		return "", fmt.Errorf("failed to get channel %s: %w", channelID, err)
	}
	if channel.GuildID != guildID || !isTextChannel(channel) {
		return "", ErrUnknownAlias
	}
	guild, err := dc.Discord.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("failed to get guild %s: %w", guildID, err)
	}

	bot := dc.Matrix.Bot()
	name := RoomName(guild.Name, channel.Name)
	roomID, err := bot.CreateRoom(ctx, &CreateRoomRequest{
		AliasLocalpart: MakeAliasLocalpart(guildID, channelID),
		Name:           name,
		Topic:          channel.Topic,
		Public:         true,
		PowerLevels:    portalPowerLevels(bot.UserID()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create portal room: %w", err)
	}

	err = dc.DB.Room.Upsert(ctx, &database.RoomEntry{
		MatrixRoomID: roomID,
		GuildID:      guildID,
		ChannelID:    channelID,
		UpdateName:   true,
		UpdateTopic:  true,
		UpdateIcon:   true,
		LastName:     name,
		LastTopic:    channel.Topic,
	})
	if err != nil {
		return roomID, err
	}
	log.Info().Str("room_id", string(roomID)).Str("channel_id", channelID).Msg("Created portal room")

	dc.wg.Add(1)
	go func() {
		defer dc.wg.Done()
		if guild.Icon != "" {
			if err := dc.Syncer.OnGuildUpdate(dc.ctx, guild); err != nil {
				log.Warn().Err(err).Msg("Failed to sync guild icon to new portal")
			}
		}
		if err := dc.Syncer.OnAliasQueried(dc.ctx, roomID, guildID, channelID); err != nil {
			log.Warn().Err(err).Msg("Failed to join ghosts to new portal")
		}
	}()
	return roomID, nil
}

// QueryAlias implements the appservice alias query hook.
func (dc *DiscordConnector) QueryAlias(alias string) bool {
	_, err := dc.CreatePortal(dc.ctx, id.RoomAlias(alias))
	if err != nil {
		dc.Log.Debug().Err(err).Str("alias", alias).Msg("Rejected alias query")
		return false
	}
	return true
}

// QueryUser implements the appservice user query hook. Only well-formed
// ghost IDs exist.
func (dc *DiscordConnector) QueryUser(userID id.UserID) bool {
	_, ok := dc.Identity.ParseGhost(userID)
	return ok
}
