// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/connector/provisioning"
	"github.com/aiku/mautrix-discord/pkg/database"
)

const (
	matrixCommandPrefix  = "!discord"
	discordCommandPrefix = "!matrix"
)

// Notices sent in reply to Matrix commands.
const (
	noticeSelfServiceDisabled = "The owner of this bridge does not permit self-service bridging."
	noticeNoPower             = "You do not have the required power level in this room to create a bridge to a Discord channel."
	noticeAlreadyBridged      = "This room is already bridged to a Discord guild."
	noticeInvalidBridge       = "Invalid syntax. For more information try !discord help bridge"
	noticeAskingPermission    = "I'm asking permission from the guild administrators to make this bridge."
	noticeBridged             = "I have bridged this room to your channel"
	noticeBridgeFailed        = "There was a problem bridging that channel - has the guild owner approved the bridge?"
	noticeRequestPending      = "There is already a pending bridge request for that channel."
	noticeTimedOut            = "Timed out waiting for a response from the Discord owners"
	noticeDeclined            = "The bridge has been declined by the Discord guild"
	noticeNotBridged          = "This room is not bridged."
	noticeCannotUnbridge      = "This room cannot be unbridged."
	noticeUnbridged           = "This room has been unbridged"
	noticeUnbridgeFailed      = "There was an error unbridging this room. Please try again later or contact the bridge operator."

	noticeHelp = "Available commands:\n" +
		"!discord bridge <guild id> <channel id>   - Bridges this room to a Discord channel\n" +
		"!discord unbridge                         - Unbridges a Discord channel from this room\n" +
		"!discord help <command>                   - Help menu for another command. Eg: !discord help bridge\n"
)

// Replies sent to Discord approval messages.
const (
	replyApproved = "Thanks for your response! The matrix bridge has been approved"
	replyDeclined = "Thanks for your response! The matrix bridge has been declined"
	replyExpired  = "Thanks for your response, however the time for responses has expired - sorry!"
	replyNoPerm   = "**ERROR:** only members who can manage webhooks in this channel may respond to a bridge request"
)

// botPermissions are the Discord permissions requested by the invite link.
const botPermissions = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionManageWebhooks |
	discordgo.PermissionReadMessageHistory |
	discordgo.PermissionEmbedLinks |
	discordgo.PermissionAttachFiles

// parseCommand splits "!prefix command args..." into its command and args.
// A missing command is "help".
func parseCommand(body, prefix string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(body, prefix))
	if len(fields) == 0 {
		return "help", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// isCommand reports whether body invokes prefix, as opposed to merely
// starting with the same letters.
func isCommand(body, prefix string) bool {
	rest, ok := strings.CutPrefix(body, prefix)
	return ok && (rest == "" || rest[0] == ' ' || rest[0] == '\n')
}

// canProvision reports whether user may change the bridging of a room: its
// power level must reach the state default.
func canProvision(pl *event.PowerLevelsEventContent, user id.UserID) bool {
	required, level := defaultStateLevel, defaultUserLevel
	if pl != nil {
		if pl.StateDefaultPtr != nil {
			required = *pl.StateDefaultPtr
		}
		level = pl.UsersDefault
		if l, ok := pl.Users[user]; ok {
			level = l
		}
	}
	return level >= required
}

// BotInviteLink is the OAuth2 link that adds the bridge bot to a guild.
func BotInviteLink(clientID string) string {
	return fmt.Sprintf("https://discord.com/oauth2/authorize?client_id=%s&scope=bot&permissions=%d", clientID, botPermissions)
}

type matrixCommandFunc func(dc *DiscordConnector, ctx context.Context, evt *event.Event, entries []*database.RoomEntry, args []string) string

var matrixCommands = map[string]matrixCommandFunc{
	"bridge":   (*DiscordConnector).matrixBridgeCommand,
	"unbridge": (*DiscordConnector).matrixUnbridgeCommand,
	"help":     (*DiscordConnector).matrixHelpCommand,
}

// HandleMatrixCommand runs a "!discord" command sent in a Matrix room and
// answers with a notice.
func (dc *DiscordConnector) HandleMatrixCommand(ctx context.Context, evt *event.Event, body string, entries []*database.RoomEntry) {
	log := dc.Log.With().Str("room_id", string(evt.RoomID)).Str("sender", string(evt.Sender)).Logger()
	reply := func(text string) {
		if text == "" {
			return
		}
		if err := sendNotice(ctx, dc.Matrix.Bot(), evt.RoomID, text); err != nil {
			log.Warn().Err(err).Msg("Failed to send command reply")
		}
	}

	if !dc.Config.Bridge.EnableSelfServiceBridging {
		reply(noticeSelfServiceDisabled)
		return
	}
	pl, err := dc.Matrix.PowerLevels(ctx, evt.RoomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get power levels, using defaults")
		pl = nil
	}
	if !canProvision(pl, evt.Sender) {
		reply(noticeNoPower)
		return
	}

	command, args := parseCommand(body, matrixCommandPrefix)
	run, ok := matrixCommands[command]
	if !ok {
		run = (*DiscordConnector).matrixHelpCommand
	}
	log.Info().Str("command", command).Msg("Handling Matrix command")
	reply(run(dc, ctx, evt, entries, args))
}

func (dc *DiscordConnector) matrixHelpCommand(_ context.Context, _ *event.Event, _ []*database.RoomEntry, args []string) string {
	if len(args) > 0 && args[0] == "bridge" {
		return "How to bridge a Discord guild:\n" +
			"1. Invite the bot to your Discord guild using this link: " + BotInviteLink(dc.Config.Discord.ClientID) + "\n" +
			"2. Invite me to the matrix room you'd like to bridge\n" +
			"3. Open the Discord channel you'd like to bridge in a web browser\n" +
			"4. In the matrix room, send the message `!discord bridge <guild id> <channel id>` (without the backticks)\n" +
			"   Note: The Guild ID and Channel ID can be retrieved from the URL in your web browser.\n" +
			"   The URL is formatted as https://discord.com/channels/GUILD_ID/CHANNEL_ID\n" +
			"5. Enjoy your new bridge!"
	}
	return noticeHelp
}

func (dc *DiscordConnector) matrixBridgeCommand(ctx context.Context, evt *event.Event, entries []*database.RoomEntry, args []string) string {
	if len(entries) > 0 {
		return noticeAlreadyBridged
	}
	if len(args) < 2 {
		return noticeInvalidBridge
	}
	guildID, channelID := args[0], args[1]
	log := dc.Log.With().
		Str("room_id", string(evt.RoomID)).
		Str("guild_id", guildID).
		Str("channel_id", channelID).
		Logger()

	channel, err := dc.Discord.Channel(channelID)
	if err != nil || channel.GuildID != guildID || !isTextChannel(channel) {
		log.Warn().Err(err).Msg("Bridge target is not a text channel of the guild")
		return noticeBridgeFailed
	}

	req, err := dc.Provisioner.AskPermission(guildID, channelID, evt.RoomID, evt.Sender)
	if errors.Is(err, provisioning.ErrRequestPending) {
		return noticeRequestPending
	} else if err != nil {
		log.Error().Err(err).Msg("Failed to open bridge request")
		return noticeBridgeFailed
	}

	prompt := fmt.Sprintf("%s on matrix would like to bridge this channel. Someone with permission to manage webhooks please reply with `!approve` or `!deny` in the next %s",
		evt.Sender, dc.Config.Bridge.ProvisioningTimeoutDuration())
	if _, err := dc.Discord.SendMessage(channelID, &discordgo.MessageSend{Content: prompt}); err != nil {
		log.Warn().Err(err).Msg("Failed to post bridge request to Discord")
	}
	log.Info().Str("request_id", req.ID.String()).Msg("Bridging room pending approval")

	roomID := evt.RoomID
	dc.wg.Add(1)
	go func() {
		defer dc.wg.Done()
		if _, err := req.Wait(dc.ctx); err != nil {
			return
		}
		if err := sendNotice(dc.ctx, dc.Matrix.Bot(), roomID, requestOutcomeNotice(req.Err())); err != nil {
			log.Warn().Err(err).Msg("Failed to report bridge request outcome")
		}
	}()
	return noticeAskingPermission
}

func requestOutcomeNotice(err error) string {
	switch {
	case err == nil:
		return noticeBridged
	case errors.Is(err, provisioning.ErrDeclined):
		return noticeDeclined
	default:
		return noticeTimedOut
	}
}

func (dc *DiscordConnector) matrixUnbridgeCommand(ctx context.Context, evt *event.Event, entries []*database.RoomEntry, _ []string) string {
	if len(entries) == 0 {
		return noticeNotBridged
	}
	for _, entry := range entries {
		err := dc.Provisioner.Unbridge(ctx, entry)
		if errors.Is(err, provisioning.ErrNotPlumbed) {
			return noticeCannotUnbridge
		} else if err != nil {
			dc.Log.Error().Err(err).Str("room_id", string(evt.RoomID)).Msg("Failed to unbridge room")
			return noticeUnbridgeFailed
		}
	}
	return noticeUnbridged
}

// handleApproval answers "!approve" or "!deny" in a channel with a pending
// bridge request.
func (dc *DiscordConnector) handleApproval(ctx context.Context, msg *discordgo.Message, approved bool) {
	ok, err := dc.Provisioner.MarkApproved(ctx, msg.ChannelID, msg.Author.ID, approved)
	var reply string
	switch {
	case errors.Is(err, provisioning.ErrNoPermission):
		reply = replyNoPerm
	case err != nil:
		dc.Log.Error().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to record bridge response")
		return
	case !ok:
		reply = replyExpired
	case approved:
		reply = replyApproved
	default:
		reply = replyDeclined
	}
	dc.replyDiscord(msg.ChannelID, reply)
}

func (dc *DiscordConnector) replyDiscord(channelID, text string) {
	if _, err := dc.Discord.SendMessage(channelID, &discordgo.MessageSend{Content: text}); err != nil {
		dc.Log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to reply on Discord")
	}
}

// moderationAction is a Matrix moderation command available on Discord.
type moderationAction struct {
	description string
	permission  int64
	past        string
	run         func(ctx context.Context, bot MatrixIntent, roomID id.RoomID, userID id.UserID, reason string) error
}

var discordCommands = map[string]moderationAction{
	"kick": {
		description: "Kicks a user on the matrix side",
		permission:  discordgo.PermissionKickMembers,
		past:        "Kicked",
		run: func(ctx context.Context, bot MatrixIntent, roomID id.RoomID, userID id.UserID, reason string) error {
			return bot.Kick(ctx, roomID, userID, reason)
		},
	},
	"ban": {
		description: "Bans a user on the matrix side",
		permission:  discordgo.PermissionBanMembers,
		past:        "Banned",
		run: func(ctx context.Context, bot MatrixIntent, roomID id.RoomID, userID id.UserID, reason string) error {
			return bot.Ban(ctx, roomID, userID, reason)
		},
	},
	"unban": {
		description: "Unbans a user on the matrix side",
		permission:  discordgo.PermissionBanMembers,
		past:        "Unbanned",
		run: func(ctx context.Context, bot MatrixIntent, roomID id.RoomID, userID id.UserID, _ string) error {
			return bot.Unban(ctx, roomID, userID)
		},
	},
}

// HandleDiscordCommand runs a "!matrix" command sent in a Discord channel.
func (dc *DiscordConnector) HandleDiscordCommand(ctx context.Context, msg *discordgo.Message) {
	dc.replyDiscord(msg.ChannelID, dc.runDiscordCommand(ctx, msg))
}

func (dc *DiscordConnector) runDiscordCommand(ctx context.Context, msg *discordgo.Message) string {
	command, args := parseCommand(msg.Content, discordCommandPrefix)
	perms, err := dc.Discord.UserChannelPermissions(msg.Author.ID, msg.ChannelID)
	if err != nil {
		dc.Log.Warn().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to get command sender permissions")
	}

	if command == "help" {
		return discordHelp(perms)
	}
	action, ok := discordCommands[command]
	if !ok {
		return "**Error:** unknown command. Try `!matrix help` to see all commands"
	}
	if perms&action.permission == 0 {
		return "**ERROR:** insufficient permissions to use this matrix command"
	}
	if len(args) == 0 {
		return "**ERROR:** Missing parameter name"
	}
	name := strings.Join(args, " ")

	userID, err := dc.resolveMatrixUser(ctx, msg.ChannelID, name)
	if err != nil {
		return "**ERROR:** " + err.Error()
	}

	res, err := dc.DB.Room.GetByGuild(ctx, msg.GuildID)
	if err != nil {
		dc.Log.Error().Err(err).Msg("Failed to get guild rooms for moderation")
		return "**ERROR:** failed to look up bridged rooms"
	}
	bot := dc.Matrix.Bot()
	reason := "Requested on Discord by " + msg.Author.Username
	var failures strings.Builder
	for _, entry := range res.OrEmpty() {
		if err := action.run(ctx, bot, entry.MatrixRoomID, userID, reason); err != nil {
			dc.Log.Warn().Err(err).
				Str("command", command).
				Str("room_id", string(entry.MatrixRoomID)).
				Str("target", string(userID)).
				Msg("Moderation action failed")
			fmt.Fprintf(&failures, "\nCouldn't %s %s from %s", command, userID, entry.MatrixRoomID)
		}
	}
	if failures.Len() > 0 {
		return "**ERROR:** " + failures.String()
	}
	return action.past + " " + string(userID)
}

func discordHelp(perms int64) string {
	names := make([]string, 0, len(discordCommands))
	for name := range discordCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available Commands:\n")
	for _, name := range names {
		action := discordCommands[name]
		if perms&action.permission == 0 {
			continue
		}
		fmt.Fprintf(&b, " - `!matrix %s <name>`: %s\n", name, action.description)
	}
	b.WriteString("\nParameters:\n")
	b.WriteString(" - `<name>`: The display name or mxid of a matrix user\n")
	return b.String()
}

// resolveMatrixUser turns a command argument into a Matrix user: a full
// mxid is taken as is, anything else must be the displayname of exactly
// one member of the rooms bridged to channelID.
func (dc *DiscordConnector) resolveMatrixUser(ctx context.Context, channelID, name string) (id.UserID, error) {
	if strings.HasPrefix(name, "@") && strings.Contains(name, ":") {
		return id.UserID(name), nil
	}
	res, err := dc.DB.Room.GetByChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	matches := make(map[id.UserID]struct{})
	for _, entry := range res.OrEmpty() {
		members, err := dc.Matrix.JoinedMembers(ctx, entry.MatrixRoomID)
		if err != nil {
			dc.Log.Warn().Err(err).Str("room_id", string(entry.MatrixRoomID)).Msg("Failed to get room members")
			continue
		}
		for userID, displayname := range members {
			if strings.EqualFold(displayname, name) && !dc.Identity.IsGhost(userID) {
				matches[userID] = struct{}{}
			}
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no users found matching %s", name)
	case 1:
		for userID := range matches {
			return userID, nil
		}
	}
	return "", fmt.Errorf("multiple users found matching %s, use their mxid instead", name)
}
