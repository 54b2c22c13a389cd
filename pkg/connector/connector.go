// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-discord/pkg/connector/provisioning"
	"github.com/aiku/mautrix-discord/pkg/database"
)

// AgeLimit is the maximum age of a Matrix event that is still bridged.
const AgeLimit = 15 * time.Minute

// DiscordConnector wires the bridge components together. Inbound events from
// either network enter through its Handle* methods.
type DiscordConnector struct {
	Config *Config
	Log    zerolog.Logger

	DB      *database.Database
	Matrix  MatrixAPI
	Discord DiscordAPI

	Identity    *IdentityResolver
	Echo        *EchoSuppressor
	Dispatcher  *Dispatcher
	Syncer      *Syncer
	Provisioner *provisioning.Provisioner
	Presence    *PresenceQueue
	Emoji       *EmojiCache
	Clients     *ClientFactory

	fetch    URLFetcher
	now      func() time.Time
	webhooks *webhookCache
	typing   *typingThrottle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	admin  *http.Server
}

// NewDiscordConnector builds every component over the given transports. A nil
// fetch uses NewHTTPFetcher(nil).
func NewDiscordConnector(cfg *Config, db *database.Database, matrix MatrixAPI, discord DiscordAPI, fetch URLFetcher, log zerolog.Logger) *DiscordConnector {
	if fetch == nil {
		fetch = NewHTTPFetcher(nil)
	}
	bridge := &cfg.Bridge
	ctx, cancel := context.WithCancel(context.Background())
	dc := &DiscordConnector{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Matrix:   matrix,
		Discord:  discord,
		fetch:    fetch,
		now:      time.Now,
		webhooks: newWebhookCache(),
		typing:   newTypingThrottle(typingInterval),
		ctx:      ctx,
		cancel:   cancel,
	}
	dc.Identity = NewIdentityResolver(bridge, matrix, db.Ghost, fetch, log)
	dc.Echo = NewEchoSuppressor(bridge.EchoSetCapacity())
	dc.Dispatcher = NewDispatcher(bridge.MessageDelay(), log)
	dc.Syncer = NewSyncer(db, matrix, discord, dc.Identity, fetch, bridge.GhostJoinDelay(), log)
	dc.Provisioner = provisioning.New(discord, db.Room, bridge.ProvisioningTimeoutDuration(), log)
	dc.Presence = NewPresenceQueue(bridge.PresenceInterval(), dc.Identity, matrix, log)
	dc.Emoji = NewEmojiCache(db.Emoji, matrix, fetch, log)
	dc.Clients = NewClientFactory(db.UserToken, discord, NewUserSessionClient, log)
	return dc
}

// Start launches the presence loop and the admin API.
func (dc *DiscordConnector) Start(ctx context.Context) error {
	if !dc.Config.Bridge.DisablePresence {
		dc.wg.Add(1)
		go func() {
			defer dc.wg.Done()
			dc.Presence.Run(dc.ctx)
		}()
	}

	if addr := dc.Config.Bridge.AdminAPIAddr; addr != "" {
		dc.admin = &http.Server{
			Addr:         addr,
			Handler:      dc.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			dc.Log.Info().Str("addr", addr).Msg("Starting bridge admin API")
			if err := dc.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				dc.Log.Error().Err(err).Msg("Bridge admin API error")
			}
		}()
	}

	if name := dc.Config.AppService.BotDisplayname; name != "" {
		if err := dc.Matrix.Bot().SetDisplayName(ctx, name); err != nil {
			dc.Log.Warn().Err(err).Msg("Failed to set bridge bot displayname")
		}
	}
	dc.Log.Info().Msg("Bridge started")
	return nil
}

// Stop drains queued sends, stops the presence loop and shuts the admin API
// down.
func (dc *DiscordConnector) Stop(ctx context.Context) {
	dc.Dispatcher.StopWait()
	dc.cancel()
	dc.wg.Wait()
	if dc.admin != nil {
		if err := dc.admin.Shutdown(ctx); err != nil {
			dc.Log.Warn().Err(err).Msg("Failed to shut down admin API")
		}
	}
	dc.Log.Info().Msg("Bridge stopped")
}

// RegisterDiscordHandlers subscribes the connector to gateway events. It must
// be called once, before the session is opened.
func (dc *DiscordConnector) RegisterDiscordHandlers(session *discordgo.Session) {
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		dc.HandleDiscordMessage(dc.ctx, m.Message)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		dc.HandleDiscordEdit(dc.ctx, m.Message, m.BeforeUpdate)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		dc.HandleDiscordDelete(dc.ctx, m.Message)
	})
	session.AddHandler(func(_ *discordgo.Session, t *discordgo.TypingStart) {
		dc.HandleDiscordTyping(dc.ctx, t.ChannelID, t.UserID)
	})
	session.AddHandler(func(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
		dc.HandleDiscordPresence(&p.Presence)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		dc.HandleDiscordMemberUpdate(dc.ctx, m.Member)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		dc.HandleDiscordMemberUpdate(dc.ctx, m.Member)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
		dc.HandleDiscordMemberRemove(dc.ctx, m.Member)
	})
	session.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelUpdate) {
		dc.logSyncError(dc.Syncer.OnChannelUpdate(dc.ctx, c.Channel), "channel update")
	})
	session.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelDelete) {
		dc.webhooks.forget(c.ID)
		dc.logSyncError(dc.Syncer.OnChannelDelete(dc.ctx, c.ID), "channel delete")
	})
	session.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildUpdate) {
		dc.logSyncError(dc.Syncer.OnGuildUpdate(dc.ctx, g.Guild), "guild update")
	})
	session.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		// Unavailable means an outage, not that the bot left the guild.
		if g.Unavailable {
			return
		}
		dc.logSyncError(dc.Syncer.OnGuildDelete(dc.ctx, g.ID), "guild delete")
	})
}

func (dc *DiscordConnector) logSyncError(err error, what string) {
	if err != nil {
		dc.Log.Error().Err(err).Str("event", what).Msg("Failed to sync room state")
	}
}

// fanOutRooms runs deliver for every room mapped to channelID and logs
// failures without stopping at the first one.
func (dc *DiscordConnector) fanOutRooms(ctx context.Context, entries []*database.RoomEntry, what string, deliver func(ctx context.Context, entry *database.RoomEntry) error) {
	failed, err := FanOut(ctx, entries, deliver)
	if failed > 0 {
		dc.Log.Warn().Err(err).
			Str("action", what).
			Int("failed", failed).
			Int("rooms", len(entries)).
			Msg("Failed to deliver to some rooms")
	}
}
