// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/mo"
)

// Emoji caches the Matrix upload of a Discord custom emoji.
type Emoji struct {
	EmojiID   string `db:"emoji_id"`
	Name      string `db:"name"`
	Animated  bool   `db:"animated"`
	MXCURL    string `db:"mxc_url"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

type EmojiQuery struct {
	db *sqlx.DB
}

func (eq *EmojiQuery) Get(ctx context.Context, emojiID string) (mo.Option[*Emoji], error) {
	res, err := selectOne[Emoji](ctx, eq.db, `
		SELECT emoji_id, name, animated, mxc_url, created_at, updated_at
		FROM discord_emoji WHERE emoji_id = ?`, emojiID)
	if err != nil {
		return res, fmt.Errorf("failed to get emoji %s: %w", emojiID, err)
	}
	return res, nil
}

// Put stores the emoji, refreshing name and media of an existing row.
func (eq *EmojiQuery) Put(ctx context.Context, emoji *Emoji) error {
	now := time.Now().UnixMilli()
	if emoji.CreatedAt == 0 {
		emoji.CreatedAt = now
	}
	emoji.UpdatedAt = now
	err := exec(ctx, eq.db, `
		INSERT INTO discord_emoji (emoji_id, name, animated, mxc_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (emoji_id) DO UPDATE SET
			name = excluded.name,
			animated = excluded.animated,
			mxc_url = excluded.mxc_url,
			updated_at = excluded.updated_at`,
		emoji.EmojiID, emoji.Name, emoji.Animated, emoji.MXCURL, emoji.CreatedAt, emoji.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store emoji %s: %w", emoji.EmojiID, err)
	}
	return nil
}
