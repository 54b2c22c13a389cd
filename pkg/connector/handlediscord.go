// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/connector/discordfmt"
	"github.com/aiku/mautrix-discord/pkg/database"
)

// ghostTypingTimeout is how long a ghost shows as typing after a Discord
// typing event.
const ghostTypingTimeout = 10 * time.Second

// editEchoKey is the echo id recorded when the bridge edits a Discord
// message, so the resulting update event is not relayed back.
func editEchoKey(messageID string) string {
	return "edit:" + messageID
}

// isOwnDiscordMessage applies the echo layers that do not depend on the
// message being new: the bot's own messages and the bridge webhook.
func (dc *DiscordConnector) isOwnDiscordMessage(msg *discordgo.Message) bool {
	if msg.Author != nil && msg.Author.ID == dc.Discord.BotUserID() {
		return true
	}
	return dc.isBridgeWebhook(msg.ChannelID, msg.WebhookID)
}

// roomsForChannel returns the rooms a channel is bridged to.
func (dc *DiscordConnector) roomsForChannel(ctx context.Context, channelID string) []*database.RoomEntry {
	res, err := dc.DB.Room.GetByChannel(ctx, channelID)
	if err != nil {
		dc.Log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to look up rooms of channel")
		return nil
	}
	return res.OrEmpty()
}

// memberOf returns the guild member that sent msg, with its user filled in.
func (dc *DiscordConnector) memberOf(msg *discordgo.Message) *discordgo.Member {
	if msg.Member != nil {
		member := *msg.Member
		member.User = msg.Author
		return &member
	}
	member, err := dc.Discord.Member(msg.GuildID, msg.Author.ID)
	if err != nil {
		return nil
	}
	return member
}

// HandleDiscordMessage queues a new Discord message for relay to Matrix.
func (dc *DiscordConnector) HandleDiscordMessage(ctx context.Context, msg *discordgo.Message) {
	if msg == nil || msg.GuildID == "" || msg.Author == nil {
		return
	}
	err := dc.Dispatcher.Enqueue(matrixQueueKey(msg.ChannelID), func(ctx context.Context) {
		dc.processDiscordMessage(ctx, msg)
	})
	if err != nil {
		dc.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropped Discord message")
	}
}

func (dc *DiscordConnector) processDiscordMessage(ctx context.Context, msg *discordgo.Message) {
	log := dc.Log.With().
		Str("message_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Str("author_id", msg.Author.ID).
		Logger()

	if dc.Echo.Consume(NetworkDiscord, msg.ID) || dc.isOwnDiscordMessage(msg) {
		log.Debug().Msg("Skipping message sent by the bridge")
		return
	}

	if words := strings.Fields(msg.Content); len(words) > 0 && dc.Provisioner.HasPendingRequest(msg.ChannelID) {
		switch words[0] {
		case "!approve":
			dc.handleApproval(ctx, msg, true)
			return
		case "!deny":
			dc.handleApproval(ctx, msg, false)
			return
		}
	}
	if isCommand(msg.Content, discordCommandPrefix) {
		dc.HandleDiscordCommand(ctx, msg)
		return
	}

	entries := dc.roomsForChannel(ctx, msg.ChannelID)
	if len(entries) == 0 {
		return
	}

	ghost := dc.Identity.EnsureProfileSynced(ctx, msg.Author, dc.memberOf(msg))
	intent := dc.Matrix.Ghost(ghost.UserID)

	var parts []*event.MessageEventContent
	for _, att := range msg.Attachments {
		parts = append(parts, dc.convertAttachment(ctx, intent, att))
	}
	if msg.Content != "" {
		parts = append(parts, dc.convertDiscordText(ctx, msg.GuildID, msg.Content))
	}
	if len(parts) == 0 {
		return
	}

	log.Debug().Int("parts", len(parts)).Int("rooms", len(entries)).Msg("Relaying Discord message")
	dc.fanOutRooms(ctx, entries, "message", func(ctx context.Context, entry *database.RoomEntry) error {
		for _, part := range parts {
			evtID, err := dc.sendAsGhost(ctx, ghost.UserID, entry.MatrixRoomID, part)
			if err != nil {
				return fmt.Errorf("failed to send to %s: %w", entry.MatrixRoomID, err)
			}
			dc.recordMatrixSend(ctx, evtID, entry, msg.ID)
		}
		return nil
	})
}

// convertAttachment re-uploads a Discord attachment to Matrix. When the
// download or upload fails the attachment is sent as a link.
func (dc *DiscordConnector) convertAttachment(ctx context.Context, intent MatrixIntent, att *discordgo.MessageAttachment) *event.MessageEventContent {
	data, contentType, err := dc.fetch(ctx, att.URL)
	if contentType == "" {
		contentType = att.ContentType
	}
	var mxc id.ContentURI
	if err == nil {
		mxc, err = intent.UploadBytes(ctx, data, contentType)
	}
	if err != nil {
		dc.Log.Warn().Err(err).Str("attachment_id", att.ID).Msg("Failed to reupload attachment, sending link")
		return &event.MessageEventContent{MsgType: event.MsgText, Body: att.URL}
	}
	msgType := event.MsgFile
	if att.Height > 0 {
		msgType = event.MsgImage
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    att.Filename,
		URL:     mxc.CUString(),
		Info: &event.FileInfo{
			MimeType: contentType,
			Size:     len(data),
			Width:    att.Width,
			Height:   att.Height,
		},
	}
}

// convertDiscordText renders Discord markdown as Matrix content. A message
// wrapped in underscores becomes an emote.
func (dc *DiscordConnector) convertDiscordText(ctx context.Context, guildID, text string) *event.MessageEventContent {
	cfg := &dc.Config.Bridge
	text = discordfmt.NeutralizeBroadcasts(text, cfg.DisableEveryoneMention, cfg.DisableHereMention)
	msgType := event.MsgText
	if inner, ok := discordfmt.FormatEmote(text); ok {
		text = inner
		msgType = event.MsgEmote
	}
	content := discordfmt.ParseWithResolver(text, dc.discordResolver(ctx, guildID)).Content()
	content.MsgType = msgType
	return content
}

// discordResolver resolves Discord tokens of guildID to their Matrix side.
func (dc *DiscordConnector) discordResolver(ctx context.Context, guildID string) *discordfmt.Resolver {
	return &discordfmt.Resolver{
		User: func(discordID string) (id.UserID, string, bool) {
			member, err := dc.Discord.Member(guildID, discordID)
			if err != nil || member.User == nil {
				return "", "", false
			}
			return dc.Identity.ResolveGhost(discordID).UserID, dc.Identity.Displayname(member.User, member), true
		},
		Channel: func(channelID string) (string, id.RoomAlias, bool) {
			channel, err := dc.Discord.Channel(channelID)
			if err != nil || channel.GuildID != guildID {
				return "", "", false
			}
			return channel.Name, MakeRoomAlias(guildID, channel.ID, dc.Matrix.Domain()), true
		},
		Role: func(roleID string) (string, bool) {
			guild, err := dc.Discord.Guild(guildID)
			if err != nil {
				return "", false
			}
			for _, role := range guild.Roles {
				if role.ID == roleID {
					return role.Name, true
				}
			}
			return "", false
		},
		Emoji: func(emojiID, name string, animated bool) (id.ContentURIString, bool) {
			mxc, err := dc.Emoji.Get(ctx, emojiID, name, animated)
			if err != nil {
				dc.Log.Warn().Err(err).Str("emoji_id", emojiID).Msg("Failed to resolve emoji")
				return "", false
			}
			return mxc, true
		},
	}
}

// sendAsGhost sends content to roomID as the ghost, joining it first and
// once more if the send is refused.
func (dc *DiscordConnector) sendAsGhost(ctx context.Context, ghost id.UserID, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if err := dc.Identity.EnsureJoined(ctx, ghost, roomID); err != nil {
		return "", err
	}
	intent := dc.Matrix.Ghost(ghost)
	var evtID id.EventID
	send := func(ctx context.Context) error {
		var err error
		evtID, err = intent.SendMessage(ctx, roomID, event.EventMessage, content)
		return err
	}
	join := func(ctx context.Context) error {
		dc.Identity.ForgetJoin(ghost, roomID)
		return dc.Identity.EnsureJoined(ctx, ghost, roomID)
	}
	if err := SendWithJoinRetry(ctx, send, join); err != nil {
		return "", err
	}
	return evtID, nil
}

// recordMatrixSend remembers a Matrix event sent for a Discord message.
func (dc *DiscordConnector) recordMatrixSend(ctx context.Context, evtID id.EventID, entry *database.RoomEntry, discordID string) {
	dc.Echo.Record(NetworkMatrix, string(evtID))
	err := dc.DB.Event.Insert(ctx, &database.EventEntry{
		MatrixID:  database.MakeMatrixID(evtID, entry.MatrixRoomID),
		DiscordID: discordID,
		GuildID:   entry.GuildID,
		ChannelID: entry.ChannelID,
	})
	if err != nil {
		dc.Log.Error().Err(err).Str("event_id", string(evtID)).Msg("Failed to record sent event")
	}
}

// HandleDiscordEdit relays an edited Discord message as a new Matrix message
// showing the old text struck through.
func (dc *DiscordConnector) HandleDiscordEdit(ctx context.Context, msg, before *discordgo.Message) {
	if msg == nil || msg.GuildID == "" || msg.Author == nil || msg.Content == "" {
		return
	}
	if before != nil && before.Content == msg.Content {
		return
	}
	err := dc.Dispatcher.Enqueue(matrixQueueKey(msg.ChannelID), func(ctx context.Context) {
		dc.processDiscordEdit(ctx, msg, before)
	})
	if err != nil {
		dc.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropped Discord edit")
	}
}

func (dc *DiscordConnector) processDiscordEdit(ctx context.Context, msg, before *discordgo.Message) {
	if dc.Echo.Consume(NetworkDiscord, editEchoKey(msg.ID)) || dc.isOwnDiscordMessage(msg) {
		return
	}
	entries := dc.roomsForChannel(ctx, msg.ChannelID)
	if len(entries) == 0 {
		return
	}
	ghost := dc.Identity.EnsureProfileSynced(ctx, msg.Author, dc.memberOf(msg))

	res := dc.discordResolver(ctx, msg.GuildID)
	var parsed *discordfmt.ParsedMessage
	if before != nil && before.Content != "" {
		parsed = discordfmt.FormatEdit(before.Content, msg.Content, res)
	} else {
		parsed = discordfmt.ParseWithResolver("*edit:* "+msg.Content, res)
	}
	content := parsed.Content()

	dc.fanOutRooms(ctx, entries, "edit", func(ctx context.Context, entry *database.RoomEntry) error {
		evtID, err := dc.sendAsGhost(ctx, ghost.UserID, entry.MatrixRoomID, content)
		if err != nil {
			return fmt.Errorf("failed to send edit to %s: %w", entry.MatrixRoomID, err)
		}
		dc.recordMatrixSend(ctx, evtID, entry, msg.ID)
		return nil
	})
}

// HandleDiscordDelete redacts every Matrix event sent for a deleted message.
func (dc *DiscordConnector) HandleDiscordDelete(ctx context.Context, msg *discordgo.Message) {
	if msg == nil || dc.Config.Bridge.DisableDeletionForwarding {
		return
	}
	err := dc.Dispatcher.Enqueue(matrixQueueKey(msg.ChannelID), func(ctx context.Context) {
		dc.processDiscordDelete(ctx, msg.ID)
	})
	if err != nil {
		dc.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropped Discord delete")
	}
}

func (dc *DiscordConnector) processDiscordDelete(ctx context.Context, messageID string) {
	res, err := dc.DB.Event.GetByDiscordID(ctx, messageID)
	if err != nil {
		dc.Log.Error().Err(err).Str("message_id", messageID).Msg("Failed to look up deleted message")
		return
	}
	events, ok := res.Get()
	if !ok {
		return
	}
	bot := dc.Matrix.Bot()
	for _, entry := range events {
		evtID, roomID := entry.MatrixEvent()
		if err := bot.Redact(ctx, roomID, evtID); err != nil {
			dc.Log.Warn().Err(err).
				Str("event_id", string(evtID)).
				Str("room_id", string(roomID)).
				Msg("Failed to redact event of deleted message")
		}
	}
	if err := dc.DB.Event.DeleteByDiscordID(ctx, messageID); err != nil {
		dc.Log.Error().Err(err).Str("message_id", messageID).Msg("Failed to forget deleted message")
	}
}

// HandleDiscordTyping shows the ghost of a typing Discord user as typing.
func (dc *DiscordConnector) HandleDiscordTyping(ctx context.Context, channelID, userID string) {
	if dc.Config.Bridge.DisableTyping || userID == dc.Discord.BotUserID() {
		return
	}
	entries := dc.roomsForChannel(ctx, channelID)
	if len(entries) == 0 {
		return
	}
	ghost := dc.Identity.ResolveGhost(userID)
	intent := dc.Matrix.Ghost(ghost.UserID)
	dc.fanOutRooms(ctx, entries, "typing", func(ctx context.Context, entry *database.RoomEntry) error {
		if err := dc.Identity.EnsureJoined(ctx, ghost.UserID, entry.MatrixRoomID); err != nil {
			return err
		}
		return intent.SetTyping(ctx, entry.MatrixRoomID, true, ghostTypingTimeout)
	})
}

// HandleDiscordPresence queues a presence update for the presence loop.
func (dc *DiscordConnector) HandleDiscordPresence(p *discordgo.Presence) {
	if dc.Config.Bridge.DisablePresence || p == nil || p.User == nil || p.User.ID == dc.Discord.BotUserID() {
		return
	}
	dc.Presence.Enqueue(p)
}

// HandleDiscordMemberUpdate refreshes the ghost profile of a guild member.
func (dc *DiscordConnector) HandleDiscordMemberUpdate(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil || member.User.ID == dc.Discord.BotUserID() {
		return
	}
	dc.Identity.EnsureProfileSynced(ctx, member.User, member)
}

// HandleDiscordMemberRemove makes the ghost of a departed member leave every
// room of the guild.
func (dc *DiscordConnector) HandleDiscordMemberRemove(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	res, err := dc.DB.Room.GetByGuild(ctx, member.GuildID)
	if err != nil {
		dc.Log.Error().Err(err).Str("guild_id", member.GuildID).Msg("Failed to look up guild rooms")
		return
	}
	ghost := dc.Identity.ResolveGhost(member.User.ID)
	intent := dc.Matrix.Ghost(ghost.UserID)
	dc.fanOutRooms(ctx, res.OrEmpty(), "leave", func(ctx context.Context, entry *database.RoomEntry) error {
		dc.Identity.ForgetJoin(ghost.UserID, entry.MatrixRoomID)
		return intent.LeaveRoom(ctx, entry.MatrixRoomID)
	})
}
