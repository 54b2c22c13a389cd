// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

// JoinSchedule is the delay before each attempt of the bridge bot to join a
// room it was invited to. After the last attempt the join is abandoned.
var JoinSchedule = []time.Duration{0, time.Second, 30 * time.Second, 5 * time.Minute, 15 * time.Minute}

// RoomName is the Matrix name of a bridged channel.
func RoomName(guildName, channelName string) string {
	return "[Discord] " + guildName + " #" + channelName
}

// Syncer keeps room metadata in step with Discord and tears mappings down
// when their channel or guild goes away.
type Syncer struct {
	log      zerolog.Logger
	db       *database.Database
	matrix   MatrixAPI
	discord  DiscordAPI
	identity *IdentityResolver
	fetch    URLFetcher

	ghostJoinDelay time.Duration
	afterFunc      func(d time.Duration, f func())
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewSyncer(db *database.Database, matrix MatrixAPI, discord DiscordAPI, identity *IdentityResolver, fetch URLFetcher, ghostJoinDelay time.Duration, log zerolog.Logger) *Syncer {
	return &Syncer{
		log:            log.With().Str("component", "syncer").Logger(),
		db:             db,
		matrix:         matrix,
		discord:        discord,
		identity:       identity,
		fetch:          fetch,
		ghostJoinDelay: ghostJoinDelay,
		afterFunc:      func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		sleep:          sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roomState is the wanted metadata of every room mapped to one channel.
type roomState struct {
	name  string
	topic string
	// icon is the guild icon hash; iconMXC uploads it on first use.
	icon    string
	iconMXC func(ctx context.Context) (id.ContentURI, error)
}

// syncEntry pushes each field whose update flag is set and whose cached
// value differs, then persists the new cached values.
func (s *Syncer) syncEntry(ctx context.Context, entry *database.RoomEntry, want roomState) {
	log := s.log.With().Str("room_id", string(entry.MatrixRoomID)).Str("channel_id", entry.ChannelID).Logger()
	bot := s.matrix.Bot()
	changed := false

	if entry.UpdateName && want.name != "" && entry.LastName != want.name {
		if err := bot.SetRoomName(ctx, entry.MatrixRoomID, want.name); err != nil {
			log.Warn().Err(err).Msg("Failed to update room name")
		} else {
			entry.LastName = want.name
			changed = true
			log.Info().Str("name", want.name).Msg("Updated room name")
		}
	}
	if entry.UpdateTopic && entry.LastTopic != want.topic {
		if err := bot.SetRoomTopic(ctx, entry.MatrixRoomID, want.topic); err != nil {
			log.Warn().Err(err).Msg("Failed to update room topic")
		} else {
			entry.LastTopic = want.topic
			changed = true
			log.Info().Msg("Updated room topic")
		}
	}
	if entry.UpdateIcon && want.iconMXC != nil && entry.LastIcon != want.icon {
		mxc, err := want.iconMXC(ctx)
		if err == nil {
			err = bot.SetRoomAvatar(ctx, entry.MatrixRoomID, mxc)
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to update room avatar")
		} else {
			entry.LastIcon = want.icon
			changed = true
			log.Info().Str("icon", want.icon).Msg("Updated room avatar")
		}
	}

	if changed {
		if err := s.db.Room.Upsert(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to save room metadata")
		}
	}
}

// OnChannelUpdate propagates the name and topic of a channel to its rooms.
func (s *Syncer) OnChannelUpdate(ctx context.Context, channel *discordgo.Channel) error {
	res, err := s.db.Room.GetByChannel(ctx, channel.ID)
	if err != nil {
		return err
	}
	entries, ok := res.Get()
	if !ok {
		return nil
	}
	guild, err := s.discord.Guild(channel.GuildID)
	if err != nil {
		return fmt.Errorf("failed to get guild %s: %w", channel.GuildID, err)
	}
	want := roomState{name: RoomName(guild.Name, channel.Name), topic: channel.Topic}
	for _, entry := range entries {
		s.syncEntry(ctx, entry, want)
	}
	return nil
}

// OnGuildUpdate re-syncs every channel of a guild, including the guild icon
// for rooms that follow it. The icon is uploaded at most once per call.
func (s *Syncer) OnGuildUpdate(ctx context.Context, guild *discordgo.Guild) error {
	res, err := s.db.Room.GetByGuild(ctx, guild.ID)
	if err != nil {
		return err
	}
	entries, ok := res.Get()
	if !ok {
		return nil
	}

	var iconMXC func(ctx context.Context) (id.ContentURI, error)
	if guild.Icon != "" {
		var uploaded id.ContentURI
		iconMXC = func(ctx context.Context) (id.ContentURI, error) {
			if !uploaded.IsEmpty() {
				return uploaded, nil
			}
			data, contentType, err := s.fetch(ctx, guild.IconURL(""))
			if err != nil {
				return id.ContentURI{}, err
			}
			uploaded, err = s.matrix.Bot().UploadBytes(ctx, data, contentType)
			return uploaded, err
		}
	}

	for _, entry := range entries {
		channel, err := s.discord.Channel(entry.ChannelID)
		if err != nil {
			s.log.Warn().Err(err).Str("channel_id", entry.ChannelID).Msg("Failed to get channel during guild sync")
			continue
		}
		s.syncEntry(ctx, entry, roomState{
			name:    RoomName(guild.Name, channel.Name),
			topic:   channel.Topic,
			icon:    guild.Icon,
			iconMXC: iconMXC,
		})
	}
	return nil
}

const teardownNotice = "The Discord channel this room was bridged to has been deleted. The bridge has been removed."

// OnChannelDelete removes every mapping of a deleted channel.
func (s *Syncer) OnChannelDelete(ctx context.Context, channelID string) error {
	res, err := s.db.Room.GetByChannel(ctx, channelID)
	if err != nil {
		return err
	}
	s.teardown(ctx, res.OrEmpty())
	return s.db.Room.DeleteByChannel(ctx, channelID)
}

// OnGuildDelete removes every mapping of a guild the bot left or lost.
func (s *Syncer) OnGuildDelete(ctx context.Context, guildID string) error {
	res, err := s.db.Room.GetByGuild(ctx, guildID)
	if err != nil {
		return err
	}
	s.teardown(ctx, res.OrEmpty())
	return s.db.Room.DeleteByGuild(ctx, guildID)
}

func (s *Syncer) teardown(ctx context.Context, entries []*database.RoomEntry) {
	bot := s.matrix.Bot()
	for _, entry := range entries {
		log := s.log.With().Str("room_id", string(entry.MatrixRoomID)).Logger()
		if err := sendNotice(ctx, bot, entry.MatrixRoomID, teardownNotice); err != nil {
			log.Warn().Err(err).Msg("Failed to send teardown notice")
		}
		if err := bot.LeaveRoom(ctx, entry.MatrixRoomID); err != nil {
			log.Warn().Err(err).Msg("Failed to leave room")
		}
		s.identity.ForgetRoom(entry.MatrixRoomID)
		log.Info().Str("channel_id", entry.ChannelID).Msg("Tore down bridged room")
	}
}

// joinFSM retries a join following JoinSchedule. The attempt index is the
// whole state.
type joinFSM struct {
	s       *Syncer
	intent  MatrixIntent
	roomID  id.RoomID
	attempt int
	done    chan error
}

// JoinWithSchedule joins intent to roomID in the background, retrying per
// JoinSchedule. The returned channel yields nil on success or the last error
// once every attempt failed.
func (s *Syncer) JoinWithSchedule(ctx context.Context, intent MatrixIntent, roomID id.RoomID) <-chan error {
	fsm := &joinFSM{s: s, intent: intent, roomID: roomID, done: make(chan error, 1)}
	s.afterFunc(JoinSchedule[0], func() { fsm.step(ctx) })
	return fsm.done
}

func (f *joinFSM) step(ctx context.Context) {
	if ctx.Err() != nil {
		f.done <- ctx.Err()
		return
	}
	err := f.intent.JoinRoom(ctx, f.roomID)
	if err == nil {
		f.s.log.Info().Str("room_id", string(f.roomID)).Int("attempt", f.attempt).Msg("Joined room")
		f.done <- nil
		return
	}
	f.attempt++
	if f.attempt >= len(JoinSchedule) {
		f.s.log.Error().Err(err).Str("room_id", string(f.roomID)).Msg("Giving up joining room")
		f.done <- err
		return
	}
	delay := JoinSchedule[f.attempt]
	f.s.log.Warn().Err(err).
		Str("room_id", string(f.roomID)).
		Dur("retry_in", delay).
		Msg("Failed to join room, retrying")
	f.s.afterFunc(delay, func() { f.step(ctx) })
}

// OnAliasQueried runs the first metadata sync of a new portal room and joins
// the ghosts of every member who can see the channel, one at a time.
func (s *Syncer) OnAliasQueried(ctx context.Context, roomID id.RoomID, guildID, channelID string) error {
	channel, err := s.discord.Channel(channelID)
	if err != nil {
		return fmt.Errorf("failed to get channel %s: %w", channelID, err)
	}
	if err := s.OnChannelUpdate(ctx, channel); err != nil {
		s.log.Warn().Err(err).Str("channel_id", channelID).Msg("Initial room sync failed")
	}
	members, err := s.discord.GuildMembers(guildID)
	if err != nil {
		return fmt.Errorf("failed to list members of %s: %w", guildID, err)
	}
	joined := 0
	for _, member := range members {
		if member.User == nil || member.User.Bot {
			continue
		}
		perms, err := s.discord.UserChannelPermissions(member.User.ID, channelID)
		if err != nil || perms&discordgo.PermissionViewChannel == 0 {
			continue
		}
		if joined > 0 {
			if err := s.sleep(ctx, s.ghostJoinDelay); err != nil {
				return err
			}
		}
		ghost := s.identity.EnsureProfileSynced(ctx, member.User, member)
		if err := s.identity.EnsureJoined(ctx, ghost.UserID, roomID); err != nil {
			s.log.Warn().Err(err).Str("ghost", string(ghost.UserID)).Msg("Failed to join ghost to new room")
			continue
		}
		joined++
	}
	s.log.Info().Str("room_id", string(roomID)).Int("ghosts", joined).Msg("Joined ghosts to new room")
	return nil
}
