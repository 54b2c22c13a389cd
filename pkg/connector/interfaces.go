// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrPermission is returned by either network when an operation is rejected
// for missing membership or power. Sends that fail with it are retried once
// after joining.
var ErrPermission = errors.New("permission denied")

// MatrixIntent is one Matrix account the bridge acts as: the bridge bot or a
// ghost of a Discord user.
type MatrixIntent interface {
	UserID() id.UserID

	JoinRoom(ctx context.Context, roomID id.RoomID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	SendMessage(ctx context.Context, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error

	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, uri id.ContentURI) error
	UploadBytes(ctx context.Context, data []byte, contentType string) (id.ContentURI, error)
	SetTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error
	SetPresence(ctx context.Context, presence event.Presence, status string) error

	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error
	SetRoomTopic(ctx context.Context, roomID id.RoomID, topic string) error
	SetRoomAvatar(ctx context.Context, roomID id.RoomID, uri id.ContentURI) error
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (id.RoomID, error)

	Kick(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	Ban(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	Unban(ctx context.Context, roomID id.RoomID, userID id.UserID) error
}

// CreateRoomRequest describes a portal room created in answer to an alias query.
type CreateRoomRequest struct {
	AliasLocalpart string
	Name           string
	Topic          string
	Public         bool
	PowerLevels    *event.PowerLevelsEventContent
}

// MatrixAPI is the set of Matrix operations the bridge needs beyond a single
// intent.
type MatrixAPI interface {
	Bot() MatrixIntent
	Ghost(userID id.UserID) MatrixIntent

	Domain() string
	Download(ctx context.Context, uri id.ContentURI) ([]byte, error)
	HTTPURL(uri id.ContentURIString) string
	PowerLevels(ctx context.Context, roomID id.RoomID) (*event.PowerLevelsEventContent, error)
	Member(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error)
	// JoinedMembers maps each joined user of roomID to its displayname.
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]string, error)
}

// DiscordAPI is the closed set of Discord operations the bridge performs.
type DiscordAPI interface {
	BotUserID() string

	Guild(guildID string) (*discordgo.Guild, error)
	Channel(channelID string) (*discordgo.Channel, error)
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
	GuildMembers(guildID string) ([]*discordgo.Member, error)
	Member(guildID, userID string) (*discordgo.Member, error)
	GuildEmojis(guildID string) ([]*discordgo.Emoji, error)
	UserChannelPermissions(userID, channelID string) (int64, error)

	ChannelWebhooks(channelID string) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name string) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, params *discordgo.WebhookParams) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID, content string) error
	WebhookMessageDelete(webhookID, token, messageID string) error

	SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error)
	DeleteMessage(channelID, messageID string) error
	Typing(channelID string) error
}

// sendNotice posts a plain m.notice as the given intent.
func sendNotice(ctx context.Context, intent MatrixIntent, roomID id.RoomID, text string) error {
	_, err := intent.SendMessage(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	})
	return err
}
