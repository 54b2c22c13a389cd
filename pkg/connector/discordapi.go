// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// WebhookName is the name of the per-channel webhook the bridge posts through.
const WebhookName = "_matrix"

// SessionAPI implements DiscordAPI on top of a discordgo session. State cache
// hits are preferred over REST calls.
type SessionAPI struct {
	Session *discordgo.Session
}

var _ DiscordAPI = (*SessionAPI)(nil)

// NewSessionAPI wraps session.
func NewSessionAPI(session *discordgo.Session) *SessionAPI {
	return &SessionAPI{Session: session}
}

// mapDiscordError turns REST 403 responses into ErrPermission.
func mapDiscordError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return err
}

func (s *SessionAPI) BotUserID() string {
	if s.Session.State == nil || s.Session.State.User == nil {
		return ""
	}
	return s.Session.State.User.ID
}

func (s *SessionAPI) Guild(guildID string) (*discordgo.Guild, error) {
	if g, err := s.Session.State.Guild(guildID); err == nil {
		return g, nil
	}
	g, err := s.Session.Guild(guildID)
	return g, mapDiscordError(err)
}

func (s *SessionAPI) Channel(channelID string) (*discordgo.Channel, error) {
	if c, err := s.Session.State.Channel(channelID); err == nil {
		return c, nil
	}
	c, err := s.Session.Channel(channelID)
	return c, mapDiscordError(err)
}

func (s *SessionAPI) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	if g, err := s.Session.State.Guild(guildID); err == nil && len(g.Channels) > 0 {
		return g.Channels, nil
	}
	channels, err := s.Session.GuildChannels(guildID)
	return channels, mapDiscordError(err)
}

func (s *SessionAPI) GuildMembers(guildID string) ([]*discordgo.Member, error) {
	if g, err := s.Session.State.Guild(guildID); err == nil && len(g.Members) > 0 {
		return g.Members, nil
	}
	members, err := s.Session.GuildMembers(guildID, "", 1000)
	return members, mapDiscordError(err)
}

func (s *SessionAPI) Member(guildID, userID string) (*discordgo.Member, error) {
	if m, err := s.Session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	m, err := s.Session.GuildMember(guildID, userID)
	return m, mapDiscordError(err)
}

func (s *SessionAPI) GuildEmojis(guildID string) ([]*discordgo.Emoji, error) {
	if g, err := s.Session.State.Guild(guildID); err == nil && len(g.Emojis) > 0 {
		return g.Emojis, nil
	}
	emojis, err := s.Session.GuildEmojis(guildID)
	return emojis, mapDiscordError(err)
}

func (s *SessionAPI) UserChannelPermissions(userID, channelID string) (int64, error) {
	perms, err := s.Session.UserChannelPermissions(userID, channelID)
	return perms, mapDiscordError(err)
}

func (s *SessionAPI) ChannelWebhooks(channelID string) ([]*discordgo.Webhook, error) {
	hooks, err := s.Session.ChannelWebhooks(channelID)
	return hooks, mapDiscordError(err)
}

func (s *SessionAPI) WebhookCreate(channelID, name string) (*discordgo.Webhook, error) {
	hook, err := s.Session.WebhookCreate(channelID, name, "")
	return hook, mapDiscordError(err)
}

func (s *SessionAPI) WebhookExecute(webhookID, token string, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	msg, err := s.Session.WebhookExecute(webhookID, token, true, params)
	return msg, mapDiscordError(err)
}

func (s *SessionAPI) WebhookMessageEdit(webhookID, token, messageID, content string) error {
	_, err := s.Session.WebhookMessageEdit(webhookID, token, messageID, &discordgo.WebhookEdit{Content: &content})
	return mapDiscordError(err)
}

func (s *SessionAPI) WebhookMessageDelete(webhookID, token, messageID string) error {
	return mapDiscordError(s.Session.WebhookMessageDelete(webhookID, token, messageID))
}

func (s *SessionAPI) SendMessage(channelID string, msg *discordgo.MessageSend) (*discordgo.Message, error) {
	sent, err := s.Session.ChannelMessageSendComplex(channelID, msg)
	return sent, mapDiscordError(err)
}

func (s *SessionAPI) DeleteMessage(channelID, messageID string) error {
	return mapDiscordError(s.Session.ChannelMessageDelete(channelID, messageID))
}

func (s *SessionAPI) Typing(channelID string) error {
	return mapDiscordError(s.Session.ChannelTyping(channelID))
}
