// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-discord/pkg/database"
)

// NewClientFunc creates a Discord client authenticated with a user token.
type NewClientFunc func(token string) (DiscordAPI, error)

// NewUserSessionClient creates a REST-only discordgo session for a user token.
func NewUserSessionClient(token string) (DiscordAPI, error) {
	session, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return NewSessionAPI(session), nil
}

// Puppet is a Discord account a Matrix user bound to the bridge.
type Puppet struct {
	DiscordID string
	Client    DiscordAPI
}

// ClientFactory hands out Discord clients acting as a specific Discord user,
// built from stored user tokens. Clients are created once per account and
// reused.
type ClientFactory struct {
	log       zerolog.Logger
	tokens    *database.UserTokenQuery
	bot       DiscordAPI
	newClient NewClientFunc

	mu      sync.Mutex
	clients map[string]DiscordAPI
}

func NewClientFactory(tokens *database.UserTokenQuery, bot DiscordAPI, newClient NewClientFunc, log zerolog.Logger) *ClientFactory {
	return &ClientFactory{
		log:       log.With().Str("component", "client_factory").Logger(),
		tokens:    tokens,
		bot:       bot,
		newClient: newClient,
		clients:   make(map[string]DiscordAPI),
	}
}

// GetClient returns a client acting as discordID, or the bot client when no
// token is stored for that account.
func (f *ClientFactory) GetClient(ctx context.Context, discordID string) (DiscordAPI, error) {
	if discordID == "" {
		return f.bot, nil
	}
	f.mu.Lock()
	client, ok := f.clients[discordID]
	f.mu.Unlock()
	if ok {
		return client, nil
	}

	res, err := f.tokens.GetToken(ctx, discordID)
	if err != nil {
		return nil, err
	}
	token, ok := res.Get()
	if !ok {
		return f.bot, nil
	}
	client, err = f.newClient(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for discord user %s: %w", discordID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[discordID]; ok {
		return existing, nil
	}
	f.clients[discordID] = client
	f.log.Debug().Str("discord_user_id", discordID).Msg("Created puppet client")
	return client, nil
}

// PuppetFor returns the first account bound to userID that is a member of
// guildID. It returns false when the user has no usable binding.
func (f *ClientFactory) PuppetFor(ctx context.Context, userID id.UserID, guildID string) (*Puppet, bool) {
	res, err := f.tokens.GetTokens(ctx, userID)
	if err != nil {
		f.log.Warn().Err(err).Str("user_id", string(userID)).Msg("Failed to load token bindings")
		return nil, false
	}
	for _, binding := range res.OrEmpty() {
		if _, err := f.bot.Member(guildID, binding.DiscordID); err != nil {
			continue
		}
		client, err := f.GetClient(ctx, binding.DiscordID)
		if err != nil {
			f.log.Warn().Err(err).Str("discord_user_id", binding.DiscordID).Msg("Failed to get puppet client")
			continue
		}
		if client == f.bot {
			continue
		}
		return &Puppet{DiscordID: binding.DiscordID, Client: client}, true
	}
	return nil, false
}

// Forget drops the cached client of discordID so a new token takes effect.
func (f *ClientFactory) Forget(discordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, discordID)
}
