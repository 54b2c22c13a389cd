// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// webhookCache remembers the bridge webhook of each channel.
type webhookCache struct {
	mu    sync.Mutex
	hooks map[string]*discordgo.Webhook
}

func newWebhookCache() *webhookCache {
	return &webhookCache{hooks: make(map[string]*discordgo.Webhook)}
}

func (c *webhookCache) get(channelID string) (*discordgo.Webhook, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hook, ok := c.hooks[channelID]
	return hook, ok
}

func (c *webhookCache) put(channelID string, hook *discordgo.Webhook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[channelID] = hook
}

func (c *webhookCache) forget(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hooks, channelID)
}

// channelWebhook returns the bridge webhook of a channel. With create set, a
// missing webhook is created.
func (dc *DiscordConnector) channelWebhook(channelID string, create bool) (*discordgo.Webhook, error) {
	if hook, ok := dc.webhooks.get(channelID); ok {
		return hook, nil
	}
	hooks, err := dc.Discord.ChannelWebhooks(channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks of %s: %w", channelID, err)
	}
	for _, hook := range hooks {
		if hook.Name == WebhookName {
			dc.webhooks.put(channelID, hook)
			return hook, nil
		}
	}
	if !create {
		return nil, nil
	}
	hook, err := dc.Discord.WebhookCreate(channelID, WebhookName)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook in %s: %w", channelID, err)
	}
	dc.Log.Info().Str("channel_id", channelID).Str("webhook_id", hook.ID).Msg("Created bridge webhook")
	dc.webhooks.put(channelID, hook)
	return hook, nil
}

// isBridgeWebhook reports whether webhookID is the bridge webhook of channelID.
func (dc *DiscordConnector) isBridgeWebhook(channelID, webhookID string) bool {
	if webhookID == "" {
		return false
	}
	hook, err := dc.channelWebhook(channelID, false)
	if err != nil {
		dc.Log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to look up bridge webhook")
		return false
	}
	return hook != nil && hook.ID == webhookID
}

// typingInterval is how often typing is forwarded to a single Discord
// channel. Discord shows the indicator for about ten seconds.
const typingInterval = 8 * time.Second

// typingThrottle rate-limits typing notifications per Discord channel.
type typingThrottle struct {
	every time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newTypingThrottle(every time.Duration) *typingThrottle {
	return &typingThrottle{every: every, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether typing may be sent to channelID now.
func (t *typingThrottle) Allow(channelID string) bool {
	t.mu.Lock()
	limiter, ok := t.limiters[channelID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[channelID] = limiter
	}
	t.mu.Unlock()
	return limiter.Allow()
}
