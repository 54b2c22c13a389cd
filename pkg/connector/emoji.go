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

// EmojiCache uploads Discord custom emoji to Matrix once and remembers the
// resulting mxc URI.
type EmojiCache struct {
	log    zerolog.Logger
	store  *database.EmojiQuery
	matrix MatrixAPI
	fetch  URLFetcher

	// Serializes uploads so two messages with the same new emoji do not
	// upload it twice.
	mu sync.Mutex
}

func NewEmojiCache(store *database.EmojiQuery, matrix MatrixAPI, fetch URLFetcher, log zerolog.Logger) *EmojiCache {
	return &EmojiCache{
		log:    log.With().Str("component", "emoji").Logger(),
		store:  store,
		matrix: matrix,
		fetch:  fetch,
	}
}

// EmojiURL is the Discord CDN address of a custom emoji.
func EmojiURL(emojiID string, animated bool) string {
	if animated {
		return discordgo.EndpointEmojiAnimated(emojiID)
	}
	return discordgo.EndpointEmoji(emojiID)
}

// Get returns the mxc URI of an emoji, uploading it on first use.
func (c *EmojiCache) Get(ctx context.Context, emojiID, name string, animated bool) (id.ContentURIString, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, err := c.store.Get(ctx, emojiID)
	if err != nil {
		return "", err
	}
	if entry, ok := cached.Get(); ok {
		return id.ContentURIString(entry.MXCURL), nil
	}

	data, contentType, err := c.fetch(ctx, EmojiURL(emojiID, animated))
	if err != nil {
		return "", fmt.Errorf("failed to download emoji %s: %w", emojiID, err)
	}
	mxc, err := c.matrix.Bot().UploadBytes(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("failed to upload emoji %s: %w", emojiID, err)
	}
	if err := c.store.Put(ctx, &database.Emoji{
		EmojiID:  emojiID,
		Name:     name,
		Animated: animated,
		MXCURL:   mxc.String(),
	}); err != nil {
		return "", err
	}
	c.log.Debug().Str("emoji_id", emojiID).Str("name", name).Str("mxc", mxc.String()).Msg("Uploaded emoji")
	return mxc.CUString(), nil
}
