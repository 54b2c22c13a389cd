// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-discord/pkg/database"
)

const (
	noticeEncryption  = "You have turned on encryption in this room, so the service will not bridge any new messages."
	discordEncryption = "Someone on Matrix has turned on encryption in this room, so the service will not bridge any new messages"
)

// HandleMatrixEvent routes one event from the appservice transaction stream.
func (dc *DiscordConnector) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	log := dc.Log.With().
		Str("event_id", string(evt.ID)).
		Str("room_id", string(evt.RoomID)).
		Str("event_type", evt.Type.Type).
		Logger()

	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
			log.Debug().Err(err).Msg("Failed to parse event content")
			return
		}
	}

	if evt.Type.Type == event.EphemeralEventTyping.Type {
		dc.handleMatrixTyping(ctx, evt)
		return
	}
	if age, ok := dc.eventAge(evt); ok && age > AgeLimit {
		log.Warn().Dur("age", age).Msg("Skipping event due to age")
		return
	}
	if dc.Echo.Consume(NetworkMatrix, string(evt.ID)) {
		log.Debug().Msg("Skipping event sent by the bridge")
		return
	}
	if dc.Identity.IsGhost(evt.Sender) {
		return
	}

	switch evt.Type.Type {
	case event.StateMember.Type:
		dc.handleMatrixMember(ctx, evt)
	case event.StateRoomName.Type, event.StateTopic.Type:
		dc.relayMatrixState(ctx, evt)
	case event.EventRedaction.Type:
		dc.handleMatrixRedaction(ctx, evt)
	case event.StateEncryption.Type:
		dc.handleMatrixEncryption(ctx, evt)
	case event.EventMessage.Type, event.EventSticker.Type:
		dc.handleMatrixMessage(ctx, evt)
	default:
		log.Trace().Msg("Ignoring unhandled event type")
	}
}

// eventAge prefers the homeserver-reported age, which does not depend on the
// origin server's clock.
func (dc *DiscordConnector) eventAge(evt *event.Event) (time.Duration, bool) {
	if evt.Unsigned.Age > 0 {
		return time.Duration(evt.Unsigned.Age) * time.Millisecond, true
	}
	if evt.Timestamp > 0 {
		return dc.now().Sub(time.UnixMilli(evt.Timestamp)), true
	}
	return 0, false
}

// roomEntries returns the mappings of a Matrix room.
func (dc *DiscordConnector) roomEntries(ctx context.Context, roomID id.RoomID) []*database.RoomEntry {
	res, err := dc.DB.Room.GetByMatrixRoom(ctx, roomID)
	if err != nil {
		dc.Log.Error().Err(err).Str("room_id", string(roomID)).Msg("Failed to look up room mapping")
		return nil
	}
	return res.OrEmpty()
}

func (dc *DiscordConnector) handleMatrixMember(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	bot := dc.Matrix.Bot()
	member := evt.Content.AsMember()

	switch member.Membership {
	case event.MembershipInvite:
		if target == bot.UserID() {
			dc.acceptInvite(evt.RoomID)
			return
		}
		if dc.Identity.IsGhost(target) {
			// Ghosts only join rooms mapped to their guild.
			return
		}
	case event.MembershipLeave, event.MembershipBan:
		dc.Identity.ForgetJoin(target, evt.RoomID)
		if target == bot.UserID() {
			dc.Identity.ForgetRoom(evt.RoomID)
		}
	}
	if dc.Identity.IsGhost(target) {
		return
	}
	dc.relayMatrixState(ctx, evt)
}

// acceptInvite joins the bot to roomID following JoinSchedule.
func (dc *DiscordConnector) acceptInvite(roomID id.RoomID) {
	log := dc.Log.With().Str("room_id", string(roomID)).Logger()
	log.Info().Msg("Accepting invite for bridge bot")
	done := dc.Syncer.JoinWithSchedule(dc.ctx, dc.Matrix.Bot(), roomID)
	dc.wg.Add(1)
	go func() {
		defer dc.wg.Done()
		if err := <-done; err != nil {
			log.Error().Err(err).Msg("Gave up joining room")
		}
	}()
}

// relayMatrixState posts a one-line description of a state change to every
// mapped channel as the bot.
func (dc *DiscordConnector) relayMatrixState(ctx context.Context, evt *event.Event) {
	text, ok := matrixfmt.StateEventToMessage(evt, dc.Matrix.Bot().UserID())
	if !ok {
		return
	}
	for _, entry := range dc.roomEntries(ctx, evt.RoomID) {
		channelID := entry.ChannelID
		err := dc.Dispatcher.Enqueue(discordQueueKey(channelID), func(ctx context.Context) {
			msg, err := dc.Discord.SendMessage(channelID, &discordgo.MessageSend{Content: text})
			if err != nil {
				dc.Log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to relay state change")
				return
			}
			dc.Echo.Record(NetworkDiscord, msg.ID)
		})
		if err != nil {
			dc.Log.Warn().Err(err).Str("channel_id", channelID).Msg("Dropped state change")
		}
	}
}

func (dc *DiscordConnector) handleMatrixRedaction(ctx context.Context, evt *event.Event) {
	if dc.Config.Bridge.DisableDeletionForwarding {
		return
	}
	redacts := evt.Content.AsRedaction().Redacts
	if redacts == "" {
		redacts = evt.Redacts
	}
	if redacts == "" {
		return
	}
	res, err := dc.DB.Event.GetByMatrixID(ctx, redacts, evt.RoomID)
	if err != nil {
		dc.Log.Error().Err(err).Str("redacts", string(redacts)).Msg("Failed to look up redacted event")
		return
	}
	sent, ok := res.Get()
	if !ok {
		return
	}
	for _, entry := range sent {
		err := dc.Dispatcher.Enqueue(discordQueueKey(entry.ChannelID), func(ctx context.Context) {
			if err := dc.deleteDiscordMessage(entry.ChannelID, entry.DiscordID); err != nil {
				dc.Log.Warn().Err(err).
					Str("channel_id", entry.ChannelID).
					Str("message_id", entry.DiscordID).
					Msg("Failed to delete Discord message")
			}
		})
		if err != nil {
			dc.Log.Warn().Err(err).Str("message_id", entry.DiscordID).Msg("Dropped redaction")
		}
	}
	if err := dc.DB.Event.DeleteByMatrixID(ctx, redacts, evt.RoomID); err != nil {
		dc.Log.Error().Err(err).Str("redacts", string(redacts)).Msg("Failed to forget redacted event")
	}
}

// deleteDiscordMessage deletes a bridged message, through the webhook when
// it sent the message and as the bot otherwise.
func (dc *DiscordConnector) deleteDiscordMessage(channelID, messageID string) error {
	if hook, err := dc.channelWebhook(channelID, false); err == nil && hook != nil {
		if err := dc.Discord.WebhookMessageDelete(hook.ID, hook.Token, messageID); err == nil {
			return nil
		}
	}
	return dc.Discord.DeleteMessage(channelID, messageID)
}

func (dc *DiscordConnector) handleMatrixEncryption(ctx context.Context, evt *event.Event) {
	entries := dc.roomEntries(ctx, evt.RoomID)
	if len(entries) == 0 {
		return
	}
	log := dc.Log.With().Str("room_id", string(evt.RoomID)).Logger()
	log.Info().Msg("Encryption enabled in bridged room, leaving")

	bot := dc.Matrix.Bot()
	if err := sendNotice(ctx, bot, evt.RoomID, noticeEncryption); err != nil {
		log.Warn().Err(err).Msg("Failed to send encryption notice")
	}
	for _, entry := range entries {
		if _, err := dc.Discord.SendMessage(entry.ChannelID, &discordgo.MessageSend{Content: discordEncryption}); err != nil {
			log.Warn().Err(err).Str("channel_id", entry.ChannelID).Msg("Failed to send encryption warning to Discord")
		}
	}
	if err := bot.LeaveRoom(ctx, evt.RoomID); err != nil {
		log.Warn().Err(err).Msg("Failed to leave encrypted room")
	}
	dc.Identity.ForgetRoom(evt.RoomID)
	if err := dc.DB.Room.DeleteByMatrixRoom(ctx, evt.RoomID); err != nil {
		log.Error().Err(err).Msg("Failed to remove mappings of encrypted room")
	}
}

func (dc *DiscordConnector) handleMatrixMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	entries := dc.roomEntries(ctx, evt.RoomID)

	if evt.Type.Type == event.EventMessage.Type && isCommand(content.Body, matrixCommandPrefix) {
		dc.HandleMatrixCommand(ctx, evt, content.Body, entries)
		return
	}
	if len(entries) == 0 {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		dc.handleMatrixEdit(ctx, evt, content, entries)
		return
	}
	for _, entry := range entries {
		err := dc.Dispatcher.Enqueue(discordQueueKey(entry.ChannelID), func(ctx context.Context) {
			if err := dc.sendToDiscord(ctx, evt, content, entry); err != nil {
				dc.Log.Warn().Err(err).
					Str("event_id", string(evt.ID)).
					Str("channel_id", entry.ChannelID).
					Msg("Failed to send message to Discord")
			}
		})
		if err != nil {
			dc.Log.Warn().Err(err).Str("event_id", string(evt.ID)).Msg("Dropped Matrix message")
		}
	}
}

// senderProfile returns the displayname and avatar HTTP URL of a Matrix user
// in roomID. The displayname falls back to the localpart.
func (dc *DiscordConnector) senderProfile(ctx context.Context, roomID id.RoomID, sender id.UserID) (string, string) {
	displayname := sender.Localpart()
	avatar := ""
	member, err := dc.Matrix.Member(ctx, roomID, sender)
	if err != nil || member == nil {
		return displayname, avatar
	}
	if member.Displayname != "" {
		displayname = member.Displayname
	}
	if member.AvatarURL != "" {
		avatar = dc.Matrix.HTTPURL(member.AvatarURL)
	}
	return displayname, avatar
}

// formatContext collects the guild state the Matrix formatter needs.
func (dc *DiscordConnector) formatContext(guildID string) *matrixfmt.Context {
	cfg := &dc.Config.Bridge
	fctx := &matrixfmt.Context{
		Ghosts:          dc.Identity.ParseGhost,
		DisableEveryone: cfg.DisableEveryoneMention,
		DisableHere:     cfg.DisableHereMention,
		DisableMentions: cfg.DisableDiscordMentions,
	}
	if !fctx.DisableMentions {
		dc.addMentionMembers(fctx, guildID)
	}
	if emojis, err := dc.Discord.GuildEmojis(guildID); err != nil {
		dc.Log.Debug().Err(err).Str("guild_id", guildID).Msg("Failed to list guild emojis")
	} else {
		for _, e := range emojis {
			fctx.Emojis = append(fctx.Emojis, matrixfmt.Emoji{ID: e.ID, Name: e.Name, Animated: e.Animated})
		}
	}
	return fctx
}

func (dc *DiscordConnector) addMentionMembers(fctx *matrixfmt.Context, guildID string) {
	members, err := dc.Discord.GuildMembers(guildID)
	if err != nil {
		dc.Log.Debug().Err(err).Str("guild_id", guildID).Msg("Failed to list guild members for mentions")
		return
	}
	for _, m := range members {
		if m.User == nil {
			continue
		}
		fctx.Members = append(fctx.Members, matrixfmt.Member{
			ID:            m.User.ID,
			Username:      m.User.Username,
			Discriminator: m.User.Discriminator,
			Nickname:      m.Nick,
			GlobalName:    m.User.GlobalName,
		})
	}
}

func isMediaMessage(evtType event.Type, content *event.MessageEventContent) bool {
	if evtType.Type == event.EventSticker.Type {
		return true
	}
	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		return true
	}
	return false
}

// outboundMessage is a Matrix message rendered for Discord.
type outboundMessage struct {
	Text  string
	Files []*discordgo.File
}

func (dc *DiscordConnector) renderForDiscord(ctx context.Context, evt *event.Event, content *event.MessageEventContent, displayname, guildID string) outboundMessage {
	if !isMediaMessage(evt.Type, content) {
		return outboundMessage{Text: matrixfmt.FormatMessage(content, displayname, dc.formatContext(guildID))}
	}
	att, err := matrixfmt.HandleAttachment(ctx, content, dc.Matrix.Download, dc.Matrix.HTTPURL)
	if err != nil {
		dc.Log.Warn().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to download attachment, sending link")
	}
	switch {
	case att.IsLink():
		return outboundMessage{Text: att.Link}
	case att.IsEmpty():
		return outboundMessage{Text: content.Body}
	default:
		return outboundMessage{Files: []*discordgo.File{{
			Name:        att.Name,
			ContentType: att.ContentType,
			Reader:      bytes.NewReader(att.Data),
		}}}
	}
}

// sendToDiscord delivers one Matrix message to the channel of entry: as the
// sender's own Discord account when bound, else through the channel webhook,
// else as a bot embed.
func (dc *DiscordConnector) sendToDiscord(ctx context.Context, evt *event.Event, content *event.MessageEventContent, entry *database.RoomEntry) error {
	displayname, avatar := dc.senderProfile(ctx, evt.RoomID, evt.Sender)
	out := dc.renderForDiscord(ctx, evt, content, displayname, entry.GuildID)
	if out.Text == "" && len(out.Files) == 0 {
		return nil
	}

	var msg *discordgo.Message
	var err error
	if puppet, ok := dc.Clients.PuppetFor(ctx, evt.Sender, entry.GuildID); ok {
		msg, err = puppet.Client.SendMessage(entry.ChannelID, &discordgo.MessageSend{Content: out.Text, Files: out.Files})
	} else {
		msg, err = dc.sendAsMatrixUser(entry.ChannelID, matrixfmt.EmbedAuthor(evt.Sender, displayname, avatar), out)
	}
	if err != nil {
		return err
	}
	dc.recordDiscordSend(ctx, evt, entry, msg.ID)
	return nil
}

// sendAsMatrixUser sends through the bridge webhook, showing author as the
// sender. Without a webhook the bot posts an embed.
func (dc *DiscordConnector) sendAsMatrixUser(channelID string, author matrixfmt.Author, out outboundMessage) (*discordgo.Message, error) {
	hook, err := dc.channelWebhook(channelID, true)
	if err != nil {
		dc.Log.Debug().Err(err).Str("channel_id", channelID).Msg("No webhook available, sending as bot")
	}
	if hook != nil {
		msg, err := dc.Discord.WebhookExecute(hook.ID, hook.Token, &discordgo.WebhookParams{
			Content:   out.Text,
			Username:  author.Name,
			AvatarURL: author.IconURL,
			Files:     out.Files,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to execute webhook: %w", err)
		}
		return msg, nil
	}
	send := &discordgo.MessageSend{Files: out.Files}
	if out.Text != "" {
		send.Embeds = []*discordgo.MessageEmbed{matrixfmt.Embed(author, out.Text)}
	}
	msg, err := dc.Discord.SendMessage(channelID, send)
	if err != nil {
		return nil, fmt.Errorf("failed to send embed: %w", err)
	}
	return msg, nil
}

// recordDiscordSend remembers a Discord message sent for a Matrix event.
func (dc *DiscordConnector) recordDiscordSend(ctx context.Context, evt *event.Event, entry *database.RoomEntry, messageID string) {
	dc.Echo.Record(NetworkDiscord, messageID)
	err := dc.DB.Event.Insert(ctx, &database.EventEntry{
		MatrixID:  database.MakeMatrixID(evt.ID, evt.RoomID),
		DiscordID: messageID,
		GuildID:   entry.GuildID,
		ChannelID: entry.ChannelID,
	})
	if err != nil {
		dc.Log.Error().Err(err).Str("message_id", messageID).Msg("Failed to record sent message")
	}
}

// handleMatrixEdit edits the webhook messages of the original event in place.
// Messages that cannot be edited get a new "*edit:*" message instead.
func (dc *DiscordConnector) handleMatrixEdit(ctx context.Context, evt *event.Event, content *event.MessageEventContent, entries []*database.RoomEntry) {
	newContent := content.NewContent
	if newContent == nil {
		newContent = &event.MessageEventContent{MsgType: content.MsgType, Body: strings.TrimPrefix(content.Body, "* ")}
	}
	res, err := dc.DB.Event.GetByMatrixID(ctx, content.RelatesTo.EventID, evt.RoomID)
	if err != nil {
		dc.Log.Error().Err(err).Str("event_id", string(evt.ID)).Msg("Failed to look up edited event")
		return
	}
	sent := make(map[string]*database.EventEntry)
	for _, row := range res.OrEmpty() {
		sent[row.ChannelID] = row
	}

	for _, entry := range entries {
		original := sent[entry.ChannelID]
		err := dc.Dispatcher.Enqueue(discordQueueKey(entry.ChannelID), func(ctx context.Context) {
			displayname, _ := dc.senderProfile(ctx, evt.RoomID, evt.Sender)
			text := matrixfmt.FormatMessage(newContent, displayname, dc.formatContext(entry.GuildID))
			if original != nil && dc.editWebhookMessage(entry.ChannelID, original.DiscordID, text) {
				return
			}
			fallback := *newContent
			fallback.Body = matrixfmt.EditText(newContent.Body)
			fallback.FormattedBody = ""
			fallback.Format = ""
			if err := dc.sendToDiscord(ctx, evt, &fallback, entry); err != nil {
				dc.Log.Warn().Err(err).Str("channel_id", entry.ChannelID).Msg("Failed to send edit to Discord")
			}
		})
		if err != nil {
			dc.Log.Warn().Err(err).Str("event_id", string(evt.ID)).Msg("Dropped Matrix edit")
		}
	}
}

func (dc *DiscordConnector) editWebhookMessage(channelID, messageID, text string) bool {
	hook, err := dc.channelWebhook(channelID, false)
	if err != nil || hook == nil {
		return false
	}
	if err := dc.Discord.WebhookMessageEdit(hook.ID, hook.Token, messageID, text); err != nil {
		dc.Log.Debug().Err(err).Str("message_id", messageID).Msg("Failed to edit webhook message")
		return false
	}
	dc.Echo.Record(NetworkDiscord, editEchoKey(messageID))
	return true
}

// handleMatrixTyping forwards typing of real Matrix users, at most once per
// typingInterval per channel.
func (dc *DiscordConnector) handleMatrixTyping(ctx context.Context, evt *event.Event) {
	if dc.Config.Bridge.DisableTyping {
		return
	}
	typing := false
	for _, userID := range evt.Content.AsTyping().UserIDs {
		if !dc.Identity.IsGhost(userID) && userID != dc.Matrix.Bot().UserID() {
			typing = true
			break
		}
	}
	if !typing {
		return
	}
	for _, entry := range dc.roomEntries(ctx, evt.RoomID) {
		if !dc.typing.Allow(entry.ChannelID) {
			continue
		}
		if err := dc.Discord.Typing(entry.ChannelID); err != nil {
			dc.Log.Debug().Err(err).Str("channel_id", entry.ChannelID).Msg("Failed to send typing to Discord")
		}
	}
}
